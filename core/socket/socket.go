//go:build linux

package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/touka-aoi/udp-forwarder/core/buffer"
	terrr "github.com/touka-aoi/udp-forwarder/core/errors"
	"github.com/touka-aoi/udp-forwarder/core/event"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

const DefaultPollInterval = 100 * time.Millisecond

var errNotOpen = errors.New("socket is neither bound nor connected")

// PacketSink receives the completions of a socket. It is called synchronously
// from Receive and from a failed Flush.
type PacketSink interface {
	OnDatagram(ctx context.Context, ev *event.Event)
}

type Options struct {
	PacketSize        int // largest datagram accepted by Receive
	SendBufferSize    int // bytes of outbound datagrams queued between flushes
	ReceiveBufferSize int // bytes of inbound datagrams per Receive
	QueueDepth        int // datagrams queued before Buffer flushes on its own
	PollInterval      time.Duration
}

// ipv4.Message and ipv6.Message alias the same type, so both PacketConns fit.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
}

type Socket struct {
	opts   Options
	sink   PacketSink
	conn   *net.UDPConn
	batch  batchConn
	arena  *buffer.RingBuffer
	queue  []ipv4.Message
	slots  []ipv4.Message
	local  netip.AddrPort
	remote netip.AddrPort
	rcvbuf int
	closed bool
}

func New(opts Options, sink PacketSink) (*Socket, error) {
	if opts.PacketSize <= 0 || opts.SendBufferSize <= 0 || opts.ReceiveBufferSize <= 0 || opts.QueueDepth <= 0 {
		return nil, fmt.Errorf("invalid socket options: %+v", opts)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Socket{
		opts:  opts,
		sink:  sink,
		arena: buffer.NewRingBuffer(opts.SendBufferSize),
		queue: make([]ipv4.Message, 0, opts.QueueDepth),
	}, nil
}

func (s *Socket) Bind(address netip.AddrPort) error {
	// https://man7.org/linux/man-pages/man2/bind.2.html
	return s.open(address, "bind", unix.Bind)
}

func (s *Socket) Connect(address netip.AddrPort) error {
	return s.open(address, "connect", unix.Connect)
}

func (s *Socket) open(address netip.AddrPort, opName string, op func(int, unix.Sockaddr) error) error {
	if s.closed {
		return terrr.ErrClosed
	}
	if s.conn != nil {
		return fmt.Errorf("socket already open on %s", s.local)
	}

	sa, err := toSockaddr(address)
	if err != nil {
		return err
	}
	family := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return os.NewSyscallError("socket", err)
	}

	if err := s.setup(fd, sa, opName, op); err != nil {
		_ = unix.Close(fd)
		return err
	}

	// FilePacketConn dups the descriptor into the runtime poller.
	f := os.NewFile(uintptr(fd), "udp:"+address.String())
	pc, err := net.FilePacketConn(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return fmt.Errorf("unexpected packet conn %T", pc)
	}

	s.conn = conn
	if family == unix.AF_INET {
		s.batch = ipv4.NewPacketConn(conn)
	} else {
		s.batch = ipv6.NewPacketConn(conn)
	}
	return nil
}

func (s *Socket) setup(fd int, sa unix.Sockaddr, opName string, op func(int, unix.Sockaddr) error) error {
	// The kernel doubles what it is given and reports the doubled value.
	want := kernelBufferSize(s.opts.SendBufferSize, s.opts.PacketSize)
	got, err := setBuffer(fd, unix.SO_SNDBUF, unix.SO_SNDBUFFORCE, want)
	if err != nil {
		return err
	}
	if got < want {
		slog.Warn("Send buffer capped by net.core.wmem_max", "requested", want, "granted", got)
	}

	want = kernelBufferSize(s.opts.ReceiveBufferSize, s.opts.PacketSize)
	if s.rcvbuf, err = setBuffer(fd, unix.SO_RCVBUF, unix.SO_RCVBUFFORCE, want); err != nil {
		return err
	}
	if s.rcvbuf < want {
		slog.Warn("Receive buffer capped by net.core.rmem_max, bursts may be dropped", "requested", want, "granted", s.rcvbuf)
	}

	if err := op(fd, sa); err != nil {
		return os.NewSyscallError(opName, err)
	}

	localSockAddr, err := unix.Getsockname(fd)
	if err != nil {
		return os.NewSyscallError("getsockname", err)
	}
	if s.local, err = fromSockaddr(localSockAddr); err != nil {
		return err
	}

	if opName == "connect" {
		remoteSockAddr, err := unix.Getpeername(fd)
		if err != nil {
			return os.NewSyscallError("getpeername", err)
		}
		if s.remote, err = fromSockaddr(remoteSockAddr); err != nil {
			return err
		}
	}
	return nil
}

func (s *Socket) LocalAddr() netip.AddrPort {
	return s.local
}

// RemoteAddr is the connected peer, or the zero value for a bound socket.
func (s *Socket) RemoteAddr() netip.AddrPort {
	return s.remote
}

// Buffer queues a datagram of n bytes and returns its payload for the caller
// to fill before the next Flush. A full queue or arena is flushed first.
func (s *Socket) Buffer(ctx context.Context, n int) ([]byte, error) {
	if s.closed {
		return nil, terrr.ErrClosed
	}
	if s.batch == nil {
		return nil, errNotOpen
	}
	if n < 0 || n > s.arena.Capacity() {
		return nil, fmt.Errorf("%w: %d > %d", terrr.ErrPacketTooLarge, n, s.arena.Capacity())
	}

	if len(s.queue) == cap(s.queue) {
		slog.DebugContext(ctx, "Send queue full, flushing", "local", s.local, "queued", len(s.queue))
		_ = s.Flush(ctx)
	}
	b, ok := s.arena.Reserve(n)
	if !ok {
		slog.DebugContext(ctx, "Send buffer full, flushing", "local", s.local, "queued", len(s.queue))
		_ = s.Flush(ctx)
		if b, ok = s.arena.Reserve(n); !ok {
			return nil, fmt.Errorf("%w: %d", terrr.ErrPacketTooLarge, n)
		}
	}

	s.queue = append(s.queue, ipv4.Message{Buffers: [][]byte{b}})
	return b, nil
}

// Queued reports the number of datagrams waiting for Flush.
func (s *Socket) Queued() int {
	return len(s.queue)
}

// Flush sends every queued datagram. On failure the rest of the batch is
// dropped and the sink gets an EVENT_TYPE_SEND_FAILED.
func (s *Socket) Flush(ctx context.Context) error {
	if s.closed {
		return terrr.ErrClosed
	}
	if len(s.queue) == 0 {
		return nil
	}

	total := len(s.queue)
	pending := s.queue
	var err error
	for len(pending) > 0 {
		n, werr := s.batch.WriteBatch(pending, 0)
		// sendmmsg reports -1 when the first datagram already failed.
		n = max(n, 0)
		for _, m := range pending[:n] {
			s.arena.Advance(len(m.Buffers[0]))
		}
		pending = pending[n:]
		if werr != nil {
			err = werr
			break
		}
		if n == 0 {
			err = io.ErrShortWrite
			break
		}
	}

	dropped := len(pending)
	clear(s.queue)
	s.queue = s.queue[:0]
	s.arena.Reset()

	if err != nil {
		err = fmt.Errorf("%w: %d of %d datagrams to %s: %w", terrr.ErrSendFailed, dropped, total, s.remote, err)
		s.dispatch(ctx, &event.Event{
			EventType: event.EVENT_TYPE_SEND_FAILED,
			Source:    s.remote,
			Err:       err,
		})
		return err
	}
	return nil
}

// ReceiveCapacity is how many datagrams of PacketSize the kernel receive
// buffer holds while nobody reads.
func (s *Socket) ReceiveCapacity() int {
	return s.rcvbuf / datagramCost(s.opts.PacketSize)
}

// Receive waits up to the poll interval for datagrams and hands each one to
// the sink in arrival order. It returns terrr.ErrWouldBlock when nothing came.
func (s *Socket) Receive(ctx context.Context, maxResults int) (int, error) {
	if s.closed {
		return 0, terrr.ErrClosed
	}
	if s.batch == nil {
		return 0, errNotOpen
	}

	slots := s.receiveSlots()
	if maxResults <= 0 || maxResults > len(slots) {
		maxResults = len(slots)
	}
	msgs := slots[:maxResults]

	if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.PollInterval)); err != nil {
		return 0, err
	}
	n, err := s.batch.ReadBatch(msgs, 0)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return 0, terrr.ErrWouldBlock
		case errors.Is(err, net.ErrClosed):
			return 0, fmt.Errorf("%w: %w", terrr.ErrClosed, err)
		default:
			return 0, err
		}
	}

	delivered := 0
	for i := range msgs[:n] {
		m := &msgs[i]
		if m.Flags&unix.MSG_TRUNC != 0 {
			slog.DebugContext(ctx, "Dropping truncated datagram", "local", s.local, "packetSize", s.opts.PacketSize)
			continue
		}
		s.dispatch(ctx, &event.Event{
			EventType: event.EVENT_TYPE_RECEIVE,
			Source:    sourceOf(m.Addr),
			Payload:   m.Buffers[0][:m.N],
		})
		delivered++
	}
	return delivered, nil
}

func (s *Socket) receiveSlots() []ipv4.Message {
	if s.slots != nil {
		return s.slots
	}
	count := max(1, s.opts.ReceiveBufferSize/s.opts.PacketSize)
	backing := make([]byte, count*s.opts.PacketSize)
	s.slots = make([]ipv4.Message, count)
	for i := range s.slots {
		off := i * s.opts.PacketSize
		s.slots[i].Buffers = [][]byte{backing[off : off+s.opts.PacketSize : off+s.opts.PacketSize]}
	}
	return s.slots
}

func (s *Socket) dispatch(ctx context.Context, ev *event.Event) {
	if s.sink == nil {
		return
	}
	s.sink.OnDatagram(ctx, ev)
}

// Close releases the descriptor. Queued datagrams are discarded.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	clear(s.queue)
	s.queue = s.queue[:0]
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func sourceOf(addr net.Addr) netip.AddrPort {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
