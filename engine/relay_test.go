package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	terrr "github.com/touka-aoi/udp-forwarder/core/errors"
	"github.com/touka-aoi/udp-forwarder/core/event"
)

func newRelayFixture(destinations int, threshold int) (*Relay, []*fakeDestination) {
	registry := NewRegistry()
	relay := NewRelay(registry, RelayOptions{FlushThreshold: threshold})
	dests := make([]*fakeDestination, destinations)
	for i := range dests {
		dests[i] = newFakeDestination(uint16(5000 + i))
		dests[i].sink = relay
		_ = registry.Add(dests[i])
	}
	registry.Freeze()
	return relay, dests
}

func runScript(t *testing.T, relay *Relay, batches [][][]byte) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rx := &scriptedReceiver{sink: relay, batches: batches, cancel: cancel}
	if err := relay.Run(ctx, rx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRelayFanOutFidelity(t *testing.T) {
	relay, dests := newRelayFixture(3, 256)
	in := payloads(512)
	runScript(t, relay, inBatches(in, 37))

	for i, d := range dests {
		if len(d.sent) != len(in) {
			t.Fatalf("destination %d: got %d datagrams, want %d", i, len(d.sent), len(in))
		}
		for j := range in {
			if !bytes.Equal(d.sent[j], in[j]) {
				t.Fatalf("destination %d datagram %d: got %q, want %q", i, j, d.sent[j], in[j])
			}
		}
		if d.flushes != 2 {
			t.Fatalf("destination %d: unexpected flush count %d", i, d.flushes)
		}
	}

	stats := relay.Stats()
	if stats.Received != 512 || stats.Forwarded != 512*3 || stats.Flushes != 2 || stats.Discarded != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRelayDropsTrailingPartialBatch(t *testing.T) {
	relay, dests := newRelayFixture(2, 256)
	in := payloads(600)
	runScript(t, relay, inBatches(in, 64))

	for i, d := range dests {
		if d.flushes != 2 {
			t.Fatalf("destination %d: unexpected flush count %d", i, d.flushes)
		}
		if len(d.sent) != 512 {
			t.Fatalf("destination %d: trailing batch was sent, got %d datagrams", i, len(d.sent))
		}
		if len(d.pending) != 88 {
			t.Fatalf("destination %d: expected 88 unflushed datagrams, got %d", i, len(d.pending))
		}
	}
	if relay.Queued() != 0 {
		t.Fatalf("counter must be reset when the loop exits, got %d", relay.Queued())
	}
	if relay.Stats().Discarded != 88 {
		t.Fatalf("unexpected discarded count: %d", relay.Stats().Discarded)
	}
}

func TestRelayNeverFlushesBelowThreshold(t *testing.T) {
	relay, dests := newRelayFixture(1, 256)
	runScript(t, relay, inBatches(payloads(255), 255))
	if dests[0].flushes != 0 || len(dests[0].sent) != 0 {
		t.Fatalf("unexpected flush: flushes=%d sent=%d", dests[0].flushes, len(dests[0].sent))
	}
}

func TestRelayFlushIsSynchronousWithThresholdDatagram(t *testing.T) {
	relay, dests := newRelayFixture(2, 4)
	ctx := context.Background()
	for i, p := range payloads(4) {
		relay.OnDatagram(ctx, &event.Event{EventType: event.EVENT_TYPE_RECEIVE, Payload: p})
		if i < 3 && (relay.Queued() != i+1 || dests[0].flushes != 0) {
			t.Fatalf("after %d datagrams: queued=%d flushes=%d", i+1, relay.Queued(), dests[0].flushes)
		}
	}
	if relay.Queued() != 0 {
		t.Fatalf("counter must reset after flush, got %d", relay.Queued())
	}
	for i, d := range dests {
		if d.flushes != 1 || len(d.sent) != 4 {
			t.Fatalf("destination %d: flushes=%d sent=%d", i, d.flushes, len(d.sent))
		}
	}
}

func TestRelayCopiesPayloadVerbatim(t *testing.T) {
	relay, dests := newRelayFixture(1, 1)
	payload := []byte{0x00, 0x01, 0xFE, 0xFF, 0x00}
	relay.OnDatagram(context.Background(), &event.Event{EventType: event.EVENT_TYPE_RECEIVE, Payload: payload})
	payload[0] = 0x42
	if !bytes.Equal(dests[0].sent[0], []byte{0x00, 0x01, 0xFE, 0xFF, 0x00}) {
		t.Fatalf("unexpected copy: %v", dests[0].sent[0])
	}
}

func TestRelaySendFailureIsLoggedAndCounted(t *testing.T) {
	relay, dests := newRelayFixture(3, 2)
	dests[1].failFlush = true
	runScript(t, relay, inBatches(payloads(4), 4))

	if relay.Stats().SendFailures != 2 {
		t.Fatalf("unexpected send failures: %d", relay.Stats().SendFailures)
	}
	if len(dests[0].sent) != 4 || len(dests[2].sent) != 4 {
		t.Fatalf("healthy destinations must keep receiving: %d %d", len(dests[0].sent), len(dests[2].sent))
	}
	if dests[1].flushes != 2 {
		t.Fatalf("failing destination must stay registered, flushes=%d", dests[1].flushes)
	}
}

func TestRelayStopsOnClosedListener(t *testing.T) {
	relay, _ := newRelayFixture(1, 256)
	rx := &scriptedReceiver{sink: relay, err: terrr.ErrClosed}
	if err := relay.Run(context.Background(), rx); !errors.Is(err, terrr.ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestRelayReturnsImmediatelyWhenCancelled(t *testing.T) {
	relay, _ := newRelayFixture(1, 256)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rx := &scriptedReceiver{sink: relay, batches: inBatches(payloads(10), 10), cancel: cancel}
	if err := relay.Run(ctx, rx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if relay.Stats().Received != 0 {
		t.Fatalf("cancelled relay must not poll, received=%d", relay.Stats().Received)
	}
}

func TestRelayIndependentInstances(t *testing.T) {
	a, _ := newRelayFixture(1, 256)
	b, _ := newRelayFixture(1, 256)
	a.OnDatagram(context.Background(), &event.Event{EventType: event.EVENT_TYPE_RECEIVE, Payload: []byte("x")})
	if a.Queued() != 1 || b.Queued() != 0 {
		t.Fatalf("engines must not share counters: %d %d", a.Queued(), b.Queued())
	}
}
