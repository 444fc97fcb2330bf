//go:build linux

package server

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/touka-aoi/udp-forwarder/core/address"
	terrr "github.com/touka-aoi/udp-forwarder/core/errors"
	"github.com/touka-aoi/udp-forwarder/core/socket"
	"github.com/touka-aoi/udp-forwarder/server/peer"
)

type SocketOptions struct {
	PacketSize   int
	QueueDepth   int
	PollInterval time.Duration
}

// A listener only receives, so it gets a single packet of send buffer.
func (o SocketOptions) listener() socket.Options {
	return socket.Options{
		PacketSize:        o.PacketSize,
		SendBufferSize:    o.PacketSize,
		ReceiveBufferSize: o.QueueDepth * o.PacketSize,
		QueueDepth:        1,
		PollInterval:      o.PollInterval,
	}
}

// An outgoing connection only sends, so it gets a single packet of receive
// buffer.
func (o SocketOptions) outgoing() socket.Options {
	return socket.Options{
		PacketSize:        o.PacketSize,
		SendBufferSize:    o.QueueDepth * o.PacketSize,
		ReceiveBufferSize: o.PacketSize,
		QueueDepth:        o.QueueDepth,
		PollInterval:      o.PollInterval,
	}
}

// EstablishListener binds a receive-side socket and returns it with the
// address the kernel actually assigned.
func EstablishListener(ctx context.Context, hostport string, opts SocketOptions, sink socket.PacketSink) (*peer.Peer, netip.AddrPort, error) {
	addr, err := address.ParseAndResolve(ctx, hostport)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("%w: %w", terrr.ErrBind, err)
	}

	s, err := socket.New(opts.listener(), sink)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("%w: %w", terrr.ErrBind, err)
	}
	if err := s.Bind(addr); err != nil {
		_ = s.Close()
		return nil, netip.AddrPort{}, fmt.Errorf("%w: %s: %w", terrr.ErrBind, addr, err)
	}

	return peer.NewPeer(peer.RoleListener, s), s.LocalAddr(), nil
}

// EstablishOutgoing connects a send-side socket and returns it with the peer
// address.
func EstablishOutgoing(ctx context.Context, hostport string, opts SocketOptions, sink socket.PacketSink) (*peer.Peer, netip.AddrPort, error) {
	addr, err := address.ParseAndResolve(ctx, hostport)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("%w: %w", terrr.ErrConnect, err)
	}

	s, err := socket.New(opts.outgoing(), sink)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("%w: %w", terrr.ErrConnect, err)
	}
	if err := s.Connect(addr); err != nil {
		_ = s.Close()
		return nil, netip.AddrPort{}, fmt.Errorf("%w: %s: %w", terrr.ErrConnect, addr, err)
	}

	return peer.NewPeer(peer.RoleOutgoing, s), s.RemoteAddr(), nil
}
