package peer

import (
	"context"
	"net/netip"
	"sync/atomic"

	"github.com/google/uuid"
)

// Conn is the socket operations a Peer owns.
type Conn interface {
	Buffer(ctx context.Context, n int) ([]byte, error)
	Flush(ctx context.Context) error
	Receive(ctx context.Context, maxResults int) (int, error)
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Close() error
}

// Peer is a connection handle: a socket tagged with its role. It is closed
// exactly once no matter how many times Close is called.
type Peer struct {
	id     string
	role   Role
	conn   Conn
	status atomic.Int32
}

func NewPeer(role Role, conn Conn) *Peer {
	return &Peer{
		id:   uuid.NewString(),
		role: role,
		conn: conn,
	}
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) Role() Role {
	return p.role
}

func (p *Peer) LocalAddr() netip.AddrPort {
	return p.conn.LocalAddr()
}

func (p *Peer) RemoteAddr() netip.AddrPort {
	return p.conn.RemoteAddr()
}

func (p *Peer) Status() string {
	s := p.status.Load()
	return ConnState(s).String()
}

func (p *Peer) activate() {
	p.status.CompareAndSwap(int32(StateNew), int32(StateActive))
}

func (p *Peer) Buffer(ctx context.Context, n int) ([]byte, error) {
	p.activate()
	return p.conn.Buffer(ctx, n)
}

func (p *Peer) Flush(ctx context.Context) error {
	return p.conn.Flush(ctx)
}

func (p *Peer) Receive(ctx context.Context, maxResults int) (int, error) {
	p.activate()
	return p.conn.Receive(ctx, maxResults)
}

func (p *Peer) Close() error {
	for {
		s := p.status.Load()
		if ConnState(s) == StateClosed {
			return nil
		}
		if p.status.CompareAndSwap(s, int32(StateClosed)) {
			return p.conn.Close()
		}
	}
}
