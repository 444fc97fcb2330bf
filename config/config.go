package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultInputAddress = "127.0.0.1:0"
	DefaultPacketSize   = 1024
	DefaultQueueDepth   = 256
	DefaultThreshold    = 256
	DefaultMaxResults   = 256
	DefaultPollInterval = 100 * time.Millisecond
)

type Config struct {
	Sending         bool     `yaml:"sending"`
	InputAddress    string   `yaml:"input-address"`
	OutputAddresses []string `yaml:"output-addresses"`

	// PacketSize is the largest datagram relayed and the size of every
	// synthetic packet.
	PacketSize int `yaml:"packet-size"`
	// QueueDepth is the number of packets a socket buffers on its busy side.
	QueueDepth           int           `yaml:"queue-depth"`
	FlushThreshold       int           `yaml:"flush-threshold"`
	SenderFlushThreshold int           `yaml:"sender-flush-threshold"`
	MaxResults           int           `yaml:"max-results"`
	PollInterval         time.Duration `yaml:"poll-interval"`

	Debug bool `yaml:"debug"`
}

func Default() Config {
	return Config{
		InputAddress:         DefaultInputAddress,
		PacketSize:           DefaultPacketSize,
		QueueDepth:           DefaultQueueDepth,
		FlushThreshold:       DefaultThreshold,
		SenderFlushThreshold: DefaultThreshold,
		MaxResults:           DefaultMaxResults,
		PollInterval:         DefaultPollInterval,
	}
}

// Load reads a YAML file on top of the defaults. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	conf := Default()
	if path == "" {
		return conf, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return conf, fmt.Errorf("parsing YAML: %w", err)
	}
	return conf, nil
}

func (c Config) Validate() error {
	if c.PacketSize <= 0 || c.PacketSize > 65535 {
		return fmt.Errorf("packet-size %d out of range 1..65535", c.PacketSize)
	}
	if c.QueueDepth <= 0 {
		return errors.New("queue-depth must be > 0")
	}
	if c.FlushThreshold <= 0 || c.FlushThreshold > c.QueueDepth {
		return fmt.Errorf("flush-threshold %d must be in 1..queue-depth (%d)", c.FlushThreshold, c.QueueDepth)
	}
	if c.SenderFlushThreshold <= 0 || c.SenderFlushThreshold > c.QueueDepth {
		return fmt.Errorf("sender-flush-threshold %d must be in 1..queue-depth (%d)", c.SenderFlushThreshold, c.QueueDepth)
	}
	if c.MaxResults <= 0 {
		return errors.New("max-results must be > 0")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	return nil
}
