package nettype

import "testing"

func TestSetNotifiesOnChange(t *testing.T) {
	var seen []Kind
	OnConnectionType(func(k Kind) { seen = append(seen, k) })

	Set(QUIC)
	Set(QUIC) // no-op, same kind
	Set(WebSock)

	if len(seen) < 3 {
		t.Fatalf("expected initial + 2 change callbacks, got %v", seen)
	}
	last := seen[len(seen)-1]
	if last != WebSock {
		t.Errorf("last kind: got %q, want %q", last, WebSock)
	}
	if Get() != WebSock {
		t.Errorf("Get: got %q, want %q", Get(), WebSock)
	}
}
