//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/touka-aoi/udp-forwarder/config"
	"github.com/touka-aoi/udp-forwarder/server"
)

const version = "1.0.0"

const (
	exitOK    = 0
	exitUsage = 1
	exitSetup = -1
)

// addrList collects every -o occurrence.
type addrList []string

func (a *addrList) String() string {
	return strings.Join(*a, ",")
}

func (a *addrList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

// onceString refuses a second occurrence of the same flag.
type onceString struct {
	value string
	set   bool
}

func (o *onceString) String() string {
	return o.value
}

func (o *onceString) Set(v string) error {
	if o.set {
		return errors.New("may only be given once")
	}
	o.value = v
	o.set = true
	return nil
}

type options struct {
	configPath  string
	showVersion bool
	debug       bool
	sending     bool
	input       onceString
	outputs     addrList
	packetSize  int
	queueDepth  int
	threshold   int
	sendFlushAt int
}

func newFlagSet(out io.Writer, opts *options) *flag.FlagSet {
	fs := flag.NewFlagSet("udp-forwarder", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&opts.sending, "s", false, "Send synthetic packets to the first output address")
	fs.BoolVar(&opts.sending, "sending", false, "Alias of -s")
	fs.Var(&opts.input, "i", "Address to receive on (default "+config.DefaultInputAddress+")")
	fs.Var(&opts.input, "input-address", "Alias of -i")
	fs.Var(&opts.outputs, "o", "Address to forward to, repeatable")
	fs.Var(&opts.outputs, "output-address", "Alias of -o")
	fs.IntVar(&opts.packetSize, "packet-size", config.DefaultPacketSize, "Largest datagram size in bytes")
	fs.IntVar(&opts.queueDepth, "queue-depth", config.DefaultQueueDepth, "Packets buffered per socket")
	fs.IntVar(&opts.threshold, "flush-threshold", config.DefaultThreshold, "Datagrams relayed per flush")
	fs.IntVar(&opts.sendFlushAt, "sender-flush-threshold", config.DefaultThreshold, "Packets generated per flush")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: udp-forwarder [-s] [-i address] -o address [-o address ...]\n\n")
		fs.PrintDefaults()
	}
	return fs
}

// resolveConfig layers the config file under the flags that were actually
// given on the command line.
func resolveConfig(fs *flag.FlagSet, opts *options) (config.Config, error) {
	conf, err := config.Load(opts.configPath)
	if err != nil {
		return conf, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "s", "sending":
			conf.Sending = opts.sending
		case "i", "input-address":
			conf.InputAddress = opts.input.value
		case "o", "output-address":
			conf.OutputAddresses = opts.outputs
		case "debug":
			conf.Debug = opts.debug
		case "packet-size":
			conf.PacketSize = opts.packetSize
		case "queue-depth":
			conf.QueueDepth = opts.queueDepth
		case "flush-threshold":
			conf.FlushThreshold = opts.threshold
		case "sender-flush-threshold":
			conf.SenderFlushThreshold = opts.sendFlushAt
		}
	})
	return conf, nil
}

// helpRequested reports a help flag anywhere before the "--" terminator, so
// that help wins over any other parse error.
func helpRequested(args []string) bool {
	for _, a := range args {
		switch a {
		case "--":
			return false
		case "-h", "--h", "-help", "--help":
			return true
		}
	}
	return false
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	var opts options
	fs := newFlagSet(stdout, &opts)
	if helpRequested(args) {
		fs.Usage()
		return exitOK
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "udp-forwarder version: %s\n", version)
		return exitOK
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stdout, "unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return exitUsage
	}

	conf, err := resolveConfig(fs, &opts)
	if err != nil {
		fmt.Fprintf(stdout, "config error: %v\n", err)
		return exitUsage
	}

	logLevel := slog.LevelInfo
	if conf.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if len(conf.OutputAddresses) == 0 {
		slog.ErrorContext(ctx, "Failed to start forwarder", "error", server.ErrNoDestinations)
		return exitSetup
	}
	if err := conf.Validate(); err != nil {
		slog.ErrorContext(ctx, "Invalid configuration", "error", err)
		return exitUsage
	}

	if err := server.Run(ctx, conf); err != nil {
		if errno := server.Errno(err); errno != 0 {
			slog.ErrorContext(ctx, "Forwarder failed", "error", err, "errno", int(errno))
		} else {
			slog.ErrorContext(ctx, "Forwarder failed", "error", err)
		}
		return exitSetup
	}
	return exitOK
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}
