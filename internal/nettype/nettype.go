// Package nettype tracks which transport kind the process is currently
// using, for observability. It is the only process-wide mutable state in
// the watch stack and has no lifecycle: subscribers are never removed.
package nettype

import "sync"

// Kind identifies the transport carrying media.
type Kind string

const (
	Unknown Kind = ""
	QUIC    Kind = "quic"
	WebSock Kind = "websocket"
)

var (
	mu      sync.Mutex
	current Kind
	subs    []func(Kind)
)

// Set records the active transport kind and notifies subscribers when it
// changes.
func Set(kind Kind) {
	mu.Lock()
	if current == kind {
		mu.Unlock()
		return
	}
	current = kind
	cbs := make([]func(Kind), len(subs))
	copy(cbs, subs)
	mu.Unlock()

	for _, cb := range cbs {
		cb(kind)
	}
}

// Get returns the active transport kind.
func Get() Kind {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// OnConnectionType registers cb to run on every change. cb is also
// invoked immediately with the current kind.
func OnConnectionType(cb func(Kind)) {
	mu.Lock()
	subs = append(subs, cb)
	kind := current
	mu.Unlock()
	cb(kind)
}
