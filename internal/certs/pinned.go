// Package certs builds client TLS configurations for relays that use
// short-lived self-signed certificates: instead of a CA chain, the
// relay's certificate is verified against a known SHA-256 fingerprint.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"
)

const maxValidity = 14 * 24 * time.Hour // WebTransport requires ≤14 days

// ParseFingerprint decodes a base64 SHA-256 certificate fingerprint as
// published by a relay's cert-hash endpoint.
func ParseFingerprint(encoded string) ([32]byte, error) {
	var fp [32]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fp, fmt.Errorf("certs: decode fingerprint: %w", err)
	}
	if len(raw) != len(fp) {
		return fp, fmt.Errorf("certs: fingerprint is %d bytes, want %d", len(raw), len(fp))
	}
	copy(fp[:], raw)
	return fp, nil
}

// Pinned returns a TLS configuration that accepts exactly the server
// certificate with the given SHA-256 fingerprint, regardless of chain
// validity. Validity bounds are still enforced.
func Pinned(fingerprint [32]byte) *tls.Config {
	return &tls.Config{
		// Chain verification is replaced by the fingerprint check below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("certs: server presented no certificate")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("certs: parse server certificate: %w", err)
			}

			now := time.Now()
			if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
				return fmt.Errorf("certs: server certificate outside validity window")
			}
			if leaf.NotAfter.Sub(leaf.NotBefore) > maxValidity {
				return fmt.Errorf("certs: server certificate validity exceeds %v", maxValidity)
			}

			sum := sha256.Sum256(rawCerts[0])
			if subtle.ConstantTimeCompare(sum[:], fingerprint[:]) != 1 {
				return fmt.Errorf("certs: server certificate fingerprint mismatch")
			}
			return nil
		},
	}
}

// SelfSigned generates a short-lived self-signed ECDSA P-256 server
// certificate and its fingerprint, used by tests and local tooling to
// stand up relays the pinned client config will accept.
func SelfSigned(validity time.Duration) (tls.Certificate, [32]byte, error) {
	if validity > maxValidity || validity <= 0 {
		validity = maxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, [32]byte{}, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, [32]byte{}, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	notBefore := now.Add(-1 * time.Minute) // slight backdate for clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "lens"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, [32]byte{}, fmt.Errorf("create certificate: %w", err)
	}

	fingerprint := sha256.Sum256(certDER)
	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}
	return tlsCert, fingerprint, nil
}
