package engine

import (
	"context"
	"net/netip"
)

const (
	DefaultFlushThreshold = 256
	DefaultPacketSize     = 1024
	DefaultMaxResults     = 256
)

// Destination is an outgoing connection the engines enqueue datagrams on.
type Destination interface {
	Buffer(ctx context.Context, n int) ([]byte, error)
	Flush(ctx context.Context) error
	RemoteAddr() netip.AddrPort
	Close() error
}

// Receiver is a listener polled by the relay loop. Receive blocks for at most
// one poll interval and feeds every datagram to the engine synchronously.
type Receiver interface {
	Receive(ctx context.Context, maxResults int) (int, error)
}

// Stats are plain counters owned by the engine goroutine. Read them after Run
// has returned.
type Stats struct {
	Received       uint64 // datagrams taken from the listener
	Forwarded      uint64 // datagram copies queued on destinations
	Generated      uint64 // synthetic packets queued
	Flushes        uint64
	SendFailures   uint64
	BufferFailures uint64
	Discarded      uint64 // queued at shutdown, never flushed
}
