package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"

	terrr "github.com/touka-aoi/udp-forwarder/core/errors"
	"github.com/touka-aoi/udp-forwarder/core/event"
)

type sink interface {
	OnDatagram(ctx context.Context, ev *event.Event)
}

type fakeDestination struct {
	addr      netip.AddrPort
	pending   [][]byte
	sent      [][]byte
	flushes   int
	failFlush bool
	sink      sink
	closed    int
	closeErr  error
	closeLog  *[]netip.AddrPort
	onBuffer  func()
}

func newFakeDestination(port uint16) *fakeDestination {
	return &fakeDestination{addr: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)}
}

func (f *fakeDestination) Buffer(ctx context.Context, n int) ([]byte, error) {
	// Dirty memory, so callers must overwrite every byte.
	b := bytes.Repeat([]byte{0xFF}, n)
	f.pending = append(f.pending, b)
	if f.onBuffer != nil {
		f.onBuffer()
	}
	return b, nil
}

func (f *fakeDestination) Flush(ctx context.Context) error {
	f.flushes++
	if f.failFlush {
		err := fmt.Errorf("%w: %d datagrams to %s: connection refused", terrr.ErrSendFailed, len(f.pending), f.addr)
		f.pending = nil
		if f.sink != nil {
			f.sink.OnDatagram(ctx, &event.Event{EventType: event.EVENT_TYPE_SEND_FAILED, Source: f.addr, Err: err})
		}
		return err
	}
	f.sent = append(f.sent, f.pending...)
	f.pending = nil
	return nil
}

func (f *fakeDestination) RemoteAddr() netip.AddrPort {
	return f.addr
}

func (f *fakeDestination) Close() error {
	f.closed++
	if f.closeLog != nil {
		*f.closeLog = append(*f.closeLog, f.addr)
	}
	return f.closeErr
}

// scriptedReceiver plays back batches of datagrams and cancels the run once
// the script is exhausted.
type scriptedReceiver struct {
	sink    sink
	batches [][][]byte
	cancel  context.CancelFunc
	scratch []byte
	err     error
}

func (s *scriptedReceiver) Receive(ctx context.Context, maxResults int) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if len(s.batches) == 0 {
		s.cancel()
		return 0, terrr.ErrWouldBlock
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	src := netip.MustParseAddrPort("10.0.0.1:4000")
	for _, p := range batch {
		// Reuse one slot like the socket does.
		s.scratch = append(s.scratch[:0], p...)
		s.sink.OnDatagram(ctx, &event.Event{EventType: event.EVENT_TYPE_RECEIVE, Source: src, Payload: s.scratch})
	}
	return len(batch), nil
}

func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("datagram-%04d", i))
	}
	return out
}

func inBatches(ps [][]byte, size int) [][][]byte {
	var out [][][]byte
	for len(ps) > 0 {
		n := min(size, len(ps))
		out = append(out, ps[:n])
		ps = ps[n:]
	}
	return out
}
