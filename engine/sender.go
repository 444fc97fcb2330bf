package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	terrr "github.com/touka-aoi/udp-forwarder/core/errors"
	"github.com/touka-aoi/udp-forwarder/core/event"
)

type SenderOptions struct {
	PacketSize     int
	FlushThreshold int
	Logger         *slog.Logger
}

// Sender queues zero-filled packets on a single destination as fast as it can
// and flushes every FlushThreshold packets.
type Sender struct {
	packetSize int
	threshold  int
	queued     int
	stats      Stats
	logger     *slog.Logger
}

func NewSender(opts SenderOptions) *Sender {
	if opts.PacketSize <= 0 {
		opts.PacketSize = DefaultPacketSize
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sender{
		packetSize: opts.PacketSize,
		threshold:  opts.FlushThreshold,
		logger:     opts.Logger.With("mode", "sender"),
	}
}

// OnDatagram ignores inbound data; the destination is write only.
func (s *Sender) OnDatagram(ctx context.Context, ev *event.Event) {
	if ev.EventType == event.EVENT_TYPE_SEND_FAILED {
		s.stats.SendFailures++
		s.logger.WarnContext(ctx, "Message sending failed", "destination", ev.Source, "error", ev.Err)
	}
}

func (s *Sender) Run(ctx context.Context, dest Destination) error {
	defer s.discard(ctx)

	for ctx.Err() == nil {
		buf, err := dest.Buffer(ctx, s.packetSize)
		if err != nil {
			s.stats.BufferFailures++
			return fmt.Errorf("queue synthetic packet: %w", err)
		}
		clear(buf)
		s.stats.Generated++

		s.queued++
		if s.queued >= s.threshold {
			s.logger.DebugContext(ctx, "Flushing send queue", "size", s.queued)
			if err := dest.Flush(ctx); err != nil && !errors.Is(err, terrr.ErrSendFailed) {
				s.logger.WarnContext(ctx, "Failed to flush destination", "destination", dest.RemoteAddr(), "error", err)
			}
			s.stats.Flushes++
			s.queued = 0
		}
	}
	return nil
}

func (s *Sender) discard(ctx context.Context) {
	if s.queued == 0 {
		return
	}
	s.logger.DebugContext(ctx, "Discarding unflushed packets", "size", s.queued)
	s.stats.Discarded += uint64(s.queued)
	s.queued = 0
}

func (s *Sender) Queued() int {
	return s.queued
}

func (s *Sender) Stats() Stats {
	return s.stats
}
