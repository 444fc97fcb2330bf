//go:build linux

// debug binds a UDP address and reports what arrives on it, one line per
// second. Point a forwarder output at it to watch the fan-out.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/touka-aoi/udp-forwarder/config"
	"github.com/touka-aoi/udp-forwarder/core/address"
	terrr "github.com/touka-aoi/udp-forwarder/core/errors"
	"github.com/touka-aoi/udp-forwarder/core/event"
	"github.com/touka-aoi/udp-forwarder/core/socket"
)

// counter tallies datagrams between two reports.
type counter struct {
	packets uint64
	bytes   uint64
	last    netip.AddrPort
}

func (c *counter) OnDatagram(ctx context.Context, ev *event.Event) {
	if ev.EventType != event.EVENT_TYPE_RECEIVE {
		return
	}
	c.packets++
	c.bytes += uint64(len(ev.Payload))
	c.last = ev.Source
	slog.DebugContext(ctx, "Received data from peer", "source", ev.Source, "dataLength", len(ev.Payload))
}

func (c *counter) report(ctx context.Context, elapsed time.Duration) {
	if c.packets == 0 {
		return
	}
	slog.InfoContext(ctx, "Traffic",
		"packets", c.packets,
		"bytes", c.bytes,
		"pps", float64(c.packets)/elapsed.Seconds(),
		"lastSource", c.last,
	)
	*c = counter{}
}

func main() {
	var (
		addr       = flag.String("a", "127.0.0.1:9000", "Address to receive on")
		packetSize = flag.Int("packet-size", config.DefaultPacketSize, "Largest datagram size in bytes")
		debug      = flag.Bool("debug", false, "Log every datagram")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bindAddr, err := address.ParseAndResolve(ctx, *addr)
	if err != nil {
		log.Fatalf("Failed to parse address: %v", err)
	}

	c := &counter{}
	s, err := socket.New(socket.Options{
		PacketSize:        *packetSize,
		SendBufferSize:    *packetSize,
		ReceiveBufferSize: config.DefaultQueueDepth * *packetSize,
		QueueDepth:        1,
		PollInterval:      config.DefaultPollInterval,
	}, c)
	if err != nil {
		log.Fatalf("Failed to create socket: %v", err)
	}
	defer s.Close()
	if err := s.Bind(bindAddr); err != nil {
		log.Fatalf("Failed to bind: %v", err)
	}
	slog.InfoContext(ctx, "Receiver ready", "address", s.LocalAddr())

	last := time.Now()
	for ctx.Err() == nil {
		if _, err := s.Receive(ctx, config.DefaultMaxResults); err != nil && !errors.Is(err, terrr.ErrWouldBlock) {
			slog.ErrorContext(ctx, "Failed to receive data", "error", err)
			return
		}
		if elapsed := time.Since(last); elapsed >= time.Second {
			c.report(ctx, elapsed)
			last = time.Now()
		}
	}
	slog.InfoContext(ctx, "Shutting down receiver")
}
