package engine

import (
	"context"
	"errors"
	"log/slog"

	terrr "github.com/touka-aoi/udp-forwarder/core/errors"
	"github.com/touka-aoi/udp-forwarder/core/event"
)

type RelayOptions struct {
	FlushThreshold int
	MaxResults     int
	Logger         *slog.Logger
}

// Relay copies every received datagram onto each registered destination and
// flushes all of them once FlushThreshold datagrams have been queued.
type Relay struct {
	registry  *Registry
	threshold int
	maxResult int
	queued    int
	stats     Stats
	logger    *slog.Logger
}

func NewRelay(registry *Registry, opts RelayOptions) *Relay {
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		registry:  registry,
		threshold: opts.FlushThreshold,
		maxResult: opts.MaxResults,
		logger:    opts.Logger.With("mode", "multicast"),
	}
}

func (r *Relay) OnDatagram(ctx context.Context, ev *event.Event) {
	switch ev.EventType {
	case event.EVENT_TYPE_RECEIVE:
		r.forward(ctx, ev)
	case event.EVENT_TYPE_SEND_FAILED:
		r.stats.SendFailures++
		r.logger.WarnContext(ctx, "Message sending failed", "destination", ev.Source, "error", ev.Err)
	default:
		r.logger.DebugContext(ctx, "Ignoring event", "type", ev.EventType)
	}
}

func (r *Relay) forward(ctx context.Context, ev *event.Event) {
	r.stats.Received++
	r.logger.DebugContext(ctx, "Message received", "source", ev.Source, "dataLength", len(ev.Payload))

	for d := range r.registry.All() {
		buf, err := d.Buffer(ctx, len(ev.Payload))
		if err != nil {
			r.stats.BufferFailures++
			r.logger.WarnContext(ctx, "Failed to queue datagram", "destination", d.RemoteAddr(), "error", err)
			continue
		}
		copy(buf, ev.Payload)
		r.stats.Forwarded++
	}

	r.queued++
	if r.queued >= r.threshold {
		r.flush(ctx)
	}
}

func (r *Relay) flush(ctx context.Context) {
	r.logger.DebugContext(ctx, "Flushing send queue", "size", r.queued)
	for d := range r.registry.All() {
		if err := d.Flush(ctx); err != nil && !errors.Is(err, terrr.ErrSendFailed) {
			r.logger.WarnContext(ctx, "Failed to flush destination", "destination", d.RemoteAddr(), "error", err)
		}
	}
	r.stats.Flushes++
	r.queued = 0
}

// Run polls the listener until ctx is cancelled. Datagrams still queued when
// the loop ends are discarded, not flushed.
func (r *Relay) Run(ctx context.Context, listener Receiver) error {
	defer r.discard(ctx)

	for ctx.Err() == nil {
		_, err := listener.Receive(ctx, r.maxResult)
		switch {
		case err == nil, errors.Is(err, terrr.ErrWouldBlock):
		case errors.Is(err, terrr.ErrClosed):
			return err
		default:
			r.logger.ErrorContext(ctx, "Failed to receive data", "error", err)
		}
	}
	return nil
}

func (r *Relay) discard(ctx context.Context) {
	if r.queued == 0 {
		return
	}
	r.logger.DebugContext(ctx, "Discarding unflushed datagrams", "size", r.queued)
	r.stats.Discarded += uint64(r.queued)
	r.queued = 0
}

// Queued is the number of datagrams accepted since the last flush.
func (r *Relay) Queued() int {
	return r.queued
}

func (r *Relay) Stats() Stats {
	return r.stats
}
