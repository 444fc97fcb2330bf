//go:build linux

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/touka-aoi/udp-forwarder/config"
	"github.com/touka-aoi/udp-forwarder/core/socket"
	"github.com/touka-aoi/udp-forwarder/engine"
	"github.com/touka-aoi/udp-forwarder/server/peer"
)

var (
	ErrNoDestinations = errors.New("no output address configured")
	ErrServerStarted  = errors.New("server already started")
)

// Server owns every connection handle of one run and tears them down once
// the engine loop has returned.
type Server struct {
	config    config.Config
	status    atomic.Int32
	mode      Mode
	listener  *peer.Peer
	registry  *engine.Registry
	handles   []peer.Endpoint
	bound     netip.AddrPort
	started   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	stats     engine.Stats
}

func NewServer(conf config.Config) *Server {
	mode := ModeMulticast
	if conf.Sending {
		mode = ModeSender
	}
	return &Server{
		config:   conf,
		mode:     mode,
		registry: engine.NewRegistry(),
		ready:    make(chan struct{}),
	}
}

// Run validates conf and runs exactly one engine until ctx is cancelled.
func Run(ctx context.Context, conf config.Config) error {
	return NewServer(conf).Serve(ctx)
}

// Serve may be called once per Server.
func (s *Server) Serve(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}
	// Runs after teardown, so a failed setup is already Stopped when Ready fires.
	defer s.markReady()

	if len(s.config.OutputAddresses) == 0 {
		return ErrNoDestinations
	}
	if err := s.config.Validate(); err != nil {
		return err
	}

	s.status.Store(int32(Running))
	defer s.teardown(ctx)

	switch s.mode {
	case ModeSender:
		return s.serveSender(ctx)
	default:
		return s.serveMulticast(ctx)
	}
}

func (s *Server) socketOptions() SocketOptions {
	return SocketOptions{
		PacketSize:   s.config.PacketSize,
		QueueDepth:   s.config.QueueDepth,
		PollInterval: s.config.PollInterval,
	}
}

func (s *Server) serveMulticast(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting in multicast mode")

	relay := engine.NewRelay(s.registry, engine.RelayOptions{
		FlushThreshold: s.config.FlushThreshold,
		MaxResults:     s.config.MaxResults,
	})
	opts := s.socketOptions()

	listener, bound, err := EstablishListener(ctx, s.config.InputAddress, opts, relay)
	if err != nil {
		return err
	}
	s.listener = listener
	s.bound = bound
	s.handles = append(s.handles, listener)
	slog.InfoContext(ctx, "Server socket bound", "address", bound.String(), "id", listener.ID())

	for hostport := range slices.Values(s.config.OutputAddresses) {
		if err := s.connect(ctx, hostport, opts, relay); err != nil {
			return err
		}
	}
	s.registry.Freeze()
	s.markReady()

	err = relay.Run(ctx, listener)
	s.stats = relay.Stats()
	return err
}

func (s *Server) serveSender(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting in sender mode")

	sender := engine.NewSender(engine.SenderOptions{
		PacketSize:     s.config.PacketSize,
		FlushThreshold: s.config.SenderFlushThreshold,
	})
	if err := s.connect(ctx, s.config.OutputAddresses[0], s.socketOptions(), sender); err != nil {
		return err
	}
	s.registry.Freeze()
	s.markReady()

	var err error
	for dest := range s.registry.All() {
		err = sender.Run(ctx, dest)
	}
	s.stats = sender.Stats()
	return err
}

func (s *Server) connect(ctx context.Context, hostport string, opts SocketOptions, sink socket.PacketSink) error {
	dest, remote, err := EstablishOutgoing(ctx, hostport, opts, sink)
	if err != nil {
		return err
	}
	s.handles = append(s.handles, dest)
	if err := s.registry.Add(dest); err != nil {
		_ = dest.Close()
		return err
	}
	slog.InfoContext(ctx, "Client connected", "address", remote.String(), "id", dest.ID())
	return nil
}

// teardown closes the listener first and then every destination in
// registration order. It also runs after a failed setup.
func (s *Server) teardown(ctx context.Context) {
	s.status.Store(int32(Draining))
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			slog.WarnContext(ctx, "Failed to close listener", "error", err)
		}
	}
	if err := s.registry.Close(); err != nil {
		slog.WarnContext(ctx, "Failed to close destination", "error", err)
	}
	s.status.Store(int32(Stopped))

	slog.InfoContext(ctx, "Server stopped",
		"mode", s.mode,
		"received", s.stats.Received,
		"forwarded", s.stats.Forwarded,
		"generated", s.stats.Generated,
		"flushes", s.stats.Flushes,
		"sendFailures", s.stats.SendFailures,
		"discarded", s.stats.Discarded,
	)
}

func (s *Server) Status() SrvStatus {
	return SrvStatus(s.status.Load())
}

func (s *Server) Mode() Mode {
	return s.mode
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Ready is closed once setup is over: either every connection is established
// and the engine is about to run (Status is Running), or setup failed and the
// server has already stopped.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ListenAddr is the address the listener was bound to. Valid after Ready.
func (s *Server) ListenAddr() netip.AddrPort {
	return s.bound
}

// Handles lists every connection opened by Serve, including the ones closed
// during teardown.
func (s *Server) Handles() []peer.Endpoint {
	return slices.Clone(s.handles)
}

func (s *Server) Stats() engine.Stats {
	return s.stats
}

// Errno extracts the system error number from err, or 0 when err does not
// carry one.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
