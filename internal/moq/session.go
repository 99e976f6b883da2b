package moq

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/lens/internal/nettype"
	"github.com/zsiec/lens/internal/reactive"
)

// Status is the connection lifecycle state exposed to the watch layer.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ALPN protocol identifier offered during the QUIC handshake.
const alpnMoQ = "moq-00"

// Application error codes used when closing the session.
const (
	errCodeNone     quic.ApplicationErrorCode = 0
	errCodeProtocol quic.ApplicationErrorCode = 1
)

// groupChanSize bounds per-track delivery of group streams awaiting
// pickup by the consumer. Overflow cancels the incoming stream; the
// consumer is too far behind for it to matter.
const groupChanSize = 16

// SessionConfig holds the parameters for dialing a session.
type SessionConfig struct {
	// URL of the relay, e.g. "moq://relay.example:4443/".
	URL string

	// TLS is the client TLS configuration. The certs package builds
	// fingerprint-pinned configs for self-signed relays.
	TLS *tls.Config

	// QUIC overrides the default transport configuration.
	QUIC *quic.Config

	Log *slog.Logger
}

// Session is a MoQ client connection. It owns the control stream,
// routes incoming group streams to track subscriptions, and exposes a
// reactive connection status.
type Session struct {
	log       *slog.Logger
	conn      quic.Connection
	control   quic.Stream
	controlRd *bufio.Reader // persistent buffered reader for the control stream
	status    *reactive.Signal[Status]

	controlMu sync.Mutex

	mu        sync.Mutex
	subs      map[uint64]*Track
	pending   map[uint64]chan error
	announces map[string]*AnnounceStream
	nextID    uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a relay, performs the setup exchange, and starts the
// control and stream-routing loops. The returned session must be closed.
func Dial(ctx context.Context, cfg SessionConfig) (*Session, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "moq-session")

	addr, path, err := resolveURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	status := reactive.NewSignal(StatusConnecting)

	tlsConf := cfg.TLS
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{alpnMoQ}
	}

	quicConf := cfg.QUIC
	if quicConf == nil {
		quicConf = &quic.Config{}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		status.Set(StatusDisconnected)
		return nil, fmt.Errorf("moq: dial %s: %w", addr, err)
	}
	nettype.Set(nettype.QUIC)

	control, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(errCodeProtocol, "control stream")
		status.Set(StatusDisconnected)
		return nil, fmt.Errorf("moq: open control stream: %w", err)
	}

	s := &Session{
		log:       log,
		conn:      conn,
		control:   control,
		controlRd: bufio.NewReader(control),
		status:    status,
		subs:      make(map[uint64]*Track),
		pending:   make(map[uint64]chan error),
		announces: make(map[string]*AnnounceStream),
		closed:    make(chan struct{}),
	}

	if err := s.setup(path); err != nil {
		s.Close()
		return nil, err
	}
	s.status.Set(StatusConnected)
	log.Debug("session established", "addr", addr, "path", path)

	go s.readControlLoop()
	go s.acceptStreams()
	return s, nil
}

// Status returns the reactive connection status.
func (s *Session) Status() *reactive.Signal[Status] { return s.status }

// Consume returns a lazily-subscribed handle on the broadcast at path.
// No traffic is generated until a track is subscribed.
func (s *Session) Consume(path string) *Broadcast {
	return &Broadcast{sess: s, path: path}
}

// setup performs the CLIENT_SETUP / SERVER_SETUP exchange.
func (s *Session) setup(path string) error {
	cs := ClientSetup{
		Versions: []uint64{Version},
		Path:     path,
		HasPath:  path != "",
	}
	if err := s.writeControl(MsgClientSetup, SerializeClientSetup(cs)); err != nil {
		return fmt.Errorf("moq: write CLIENT_SETUP: %w", err)
	}

	msgType, payload, err := ReadControlMsg(s.controlRd)
	if err != nil {
		return fmt.Errorf("moq: read SERVER_SETUP: %w", err)
	}
	if msgType != MsgServerSetup {
		return fmt.Errorf("moq: expected SERVER_SETUP (0x%x), got 0x%x", MsgServerSetup, msgType)
	}

	ss, err := ParseServerSetup(payload)
	if err != nil {
		return fmt.Errorf("moq: parse SERVER_SETUP: %w", err)
	}
	if ss.SelectedVersion != Version {
		return fmt.Errorf("%w (server selected 0x%x)", ErrVersionMismatch, ss.SelectedVersion)
	}
	return nil
}

// writeControl serializes a control message under the control-stream lock.
func (s *Session) writeControl(msgType uint64, payload []byte) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return WriteControlMsg(s.control, msgType, payload)
}

// readControlLoop dispatches control messages from the publisher until
// the session ends.
func (s *Session) readControlLoop() {
	for {
		msgType, payload, err := ReadControlMsg(s.controlRd)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Debug("control read error", "error", err)
			}
			s.Close()
			return
		}

		switch msgType {
		case MsgSubscribeOK:
			sok, err := ParseSubscribeOK(payload)
			if err != nil {
				s.log.Warn("bad SUBSCRIBE_OK", "error", err)
				continue
			}
			s.resolvePending(sok.ID, nil)

		case MsgSubscribeError:
			se, err := ParseSubscribeError(payload)
			if err != nil {
				s.log.Warn("bad SUBSCRIBE_ERROR", "error", err)
				continue
			}
			s.failSubscribe(se)

		case MsgAnnounce:
			a, err := ParseAnnounce(payload)
			if err != nil {
				s.log.Warn("bad ANNOUNCE", "error", err)
				continue
			}
			s.dispatchAnnounce(a)

		case MsgGoAway:
			s.log.Info("server sent GOAWAY, closing session")
			s.Close()
			return

		default:
			s.log.Debug("unknown control message", "type", msgType)
		}
	}
}

// acceptStreams routes incoming unidirectional streams to subscriptions.
func (s *Session) acceptStreams() {
	ctx := s.conn.Context()
	for {
		stream, err := s.conn.AcceptUniStream(ctx)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Debug("accept stream error", "error", err)
			}
			s.Close()
			return
		}
		go s.routeStream(stream)
	}
}

// routeStream parses a group stream header and hands the stream to the
// owning track.
func (s *Session) routeStream(stream quic.ReceiveStream) {
	reader := bufio.NewReader(stream)

	streamType, err := readVarint(reader)
	if err != nil {
		stream.CancelRead(quic.StreamErrorCode(errCodeProtocol))
		return
	}
	if streamType != StreamTypeGroup {
		s.log.Debug("unknown stream type", "type", streamType)
		stream.CancelRead(quic.StreamErrorCode(errCodeProtocol))
		return
	}

	subID, err := readVarint(reader)
	if err != nil {
		stream.CancelRead(quic.StreamErrorCode(errCodeProtocol))
		return
	}
	sequence, err := readVarint(reader)
	if err != nil {
		stream.CancelRead(quic.StreamErrorCode(errCodeProtocol))
		return
	}

	s.mu.Lock()
	track := s.subs[subID]
	s.mu.Unlock()

	if track == nil {
		// Subscription already cancelled; discard the late stream.
		stream.CancelRead(quic.StreamErrorCode(errCodeNone))
		return
	}

	track.deliver(newGroup(sequence, reader, stream))
}

// subscribe issues a SUBSCRIBE and waits for the publisher's verdict.
func (s *Session) subscribe(ctx context.Context, broadcast, trackName string, priority byte) (*Track, error) {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	id := s.nextID
	s.nextID++

	track := newTrack(s, id, trackName)
	result := make(chan error, 1)
	s.subs[id] = track
	s.pending[id] = result
	s.mu.Unlock()

	sub := Subscribe{
		ID:        id,
		Broadcast: broadcast,
		Track:     trackName,
		Priority:  priority,
	}
	if err := s.writeControl(MsgSubscribe, SerializeSubscribe(sub)); err != nil {
		s.dropSubscription(id)
		return nil, fmt.Errorf("moq: write SUBSCRIBE: %w", err)
	}

	select {
	case err := <-result:
		if err != nil {
			s.dropSubscription(id)
			return nil, err
		}
		return track, nil
	case <-ctx.Done():
		s.dropSubscription(id)
		return nil, ctx.Err()
	case <-s.closed:
		s.dropSubscription(id)
		return nil, ErrClosed
	}
}

// unsubscribe tells the publisher to stop and forgets the subscription.
func (s *Session) unsubscribe(id uint64) {
	s.dropSubscription(id)
	select {
	case <-s.closed:
		return
	default:
	}
	if err := s.writeControl(MsgUnsubscribe, SerializeUnsubscribe(Unsubscribe{ID: id})); err != nil {
		s.log.Debug("write UNSUBSCRIBE failed", "error", err)
	}
}

func (s *Session) dropSubscription(id uint64) {
	s.mu.Lock()
	track := s.subs[id]
	delete(s.subs, id)
	delete(s.pending, id)
	s.mu.Unlock()
	if track != nil {
		track.end()
	}
}

func (s *Session) resolvePending(id uint64, err error) {
	s.mu.Lock()
	ch := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (s *Session) failSubscribe(se SubscribeError) {
	s.mu.Lock()
	track := s.subs[se.ID]
	s.mu.Unlock()

	name := ""
	if track != nil {
		name = track.Name()
	}
	s.resolvePending(se.ID, &SubscribeFailed{Track: name, Code: se.ErrorCode, Reason: se.ReasonPhrase})
}

// Announced requests announcements for broadcasts under prefix. The
// returned stream yields activity transitions until the session closes.
func (s *Session) Announced(prefix string) (*AnnounceStream, error) {
	s.mu.Lock()
	if _, ok := s.announces[prefix]; ok {
		s.mu.Unlock()
		return nil, ErrDuplicatePrefix
	}
	as := newAnnounceStream(s, prefix)
	s.announces[prefix] = as
	s.mu.Unlock()

	if err := s.writeControl(MsgAnnouncePlease, SerializeAnnouncePlease(AnnouncePlease{Prefix: prefix})); err != nil {
		s.mu.Lock()
		delete(s.announces, prefix)
		s.mu.Unlock()
		return nil, fmt.Errorf("moq: write ANNOUNCE_PLEASE: %w", err)
	}
	return as, nil
}

// dispatchAnnounce delivers an announcement to every open prefix stream.
// An announcement does not say which prefix it answers, so no stream is
// filtered out.
func (s *Session) dispatchAnnounce(a Announce) {
	s.mu.Lock()
	streams := make([]*AnnounceStream, 0, len(s.announces))
	for _, as := range s.announces {
		streams = append(streams, as)
	}
	s.mu.Unlock()

	for _, as := range streams {
		as.deliver(a)
	}
}

func (s *Session) forgetAnnounce(prefix string) {
	s.mu.Lock()
	delete(s.announces, prefix)
	s.mu.Unlock()
}

// Close shuts the session down: all tracks end, announce streams end,
// and the connection closes. Safe to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.status.Set(StatusDisconnected)

		s.mu.Lock()
		tracks := make([]*Track, 0, len(s.subs))
		for _, t := range s.subs {
			tracks = append(tracks, t)
		}
		announces := make([]*AnnounceStream, 0, len(s.announces))
		for _, as := range s.announces {
			announces = append(announces, as)
		}
		pending := s.pending
		s.subs = make(map[uint64]*Track)
		s.announces = make(map[string]*AnnounceStream)
		s.pending = make(map[uint64]chan error)
		s.mu.Unlock()

		for _, ch := range pending {
			ch <- ErrClosed
		}
		for _, t := range tracks {
			t.end()
		}
		for _, as := range announces {
			as.end()
		}

		s.conn.CloseWithError(errCodeNone, "")
	})
}

// Closed returns a channel closed when the session has shut down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// resolveURL extracts the dial address and broadcast path prefix from a
// moq:// or https:// URL.
func resolveURL(raw string) (addr, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("moq: parse url: %w", err)
	}
	switch u.Scheme {
	case "moq", "moqs", "https":
	default:
		return "", "", fmt.Errorf("moq: unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":4443"
	}
	p := u.Path
	if len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return host, p, nil
}

// readVarint reads a QUIC varint from a buffered reader.
func readVarint(r *bufio.Reader) (uint64, error) {
	return quicvarint.Read(r)
}
