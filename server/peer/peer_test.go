package peer

import (
	"context"
	"net/netip"
	"testing"
)

type fakeConn struct {
	closes int
}

func (f *fakeConn) Buffer(ctx context.Context, n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (f *fakeConn) Flush(ctx context.Context) error {
	return nil
}

func (f *fakeConn) Receive(ctx context.Context, maxResults int) (int, error) {
	return 0, nil
}

func (f *fakeConn) LocalAddr() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:1")
}

func (f *fakeConn) RemoteAddr() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:2")
}

func (f *fakeConn) Close() error {
	f.closes++
	return nil
}

func TestPeerClosesExactlyOnce(t *testing.T) {
	conn := &fakeConn{}
	p := NewPeer(RoleOutgoing, conn)
	for i := 0; i < 3; i++ {
		if err := p.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	if conn.closes != 1 {
		t.Fatalf("expected one close, got %d", conn.closes)
	}
	if p.Status() != "closed" {
		t.Fatalf("unexpected status: %s", p.Status())
	}
}

func TestPeerBecomesActiveOnIO(t *testing.T) {
	p := NewPeer(RoleListener, &fakeConn{})
	if p.Status() != "new" {
		t.Fatalf("unexpected initial status: %s", p.Status())
	}
	if _, err := p.Receive(context.Background(), 1); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if p.Status() != "active" {
		t.Fatalf("unexpected status after receive: %s", p.Status())
	}
	_ = p.Close()
	if _, err := p.Buffer(context.Background(), 1); err != nil {
		t.Fatalf("buffer: %v", err)
	}
	if p.Status() != "closed" {
		t.Fatalf("closed peer must stay closed, got %s", p.Status())
	}
}

func TestPeerIdentity(t *testing.T) {
	a := NewPeer(RoleListener, &fakeConn{})
	b := NewPeer(RoleOutgoing, &fakeConn{})
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("expected distinct ids: %q %q", a.ID(), b.ID())
	}
	if a.Role().String() != "listener" || b.Role().String() != "outgoing" {
		t.Fatalf("unexpected roles: %s %s", a.Role(), b.Role())
	}
	var _ Endpoint = a
}
