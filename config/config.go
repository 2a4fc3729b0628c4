// Package config loads relaydrop settings from YAML, overlaying them on the
// observed defaults, and converts them into the per-package configs.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/relaydrop/file"
	"github.com/opd-ai/relaydrop/limits"
	"github.com/opd-ai/relaydrop/nat"
	"github.com/opd-ai/relaydrop/negotiation"
	"github.com/opd-ai/relaydrop/relay"
	"github.com/opd-ai/relaydrop/transport"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration written in YAML as "2.5s", "500ms" and so on.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Relay       RelayConfig       `yaml:"relay"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	NAT         NATConfig         `yaml:"nat"`
}

// RelayConfig covers both the relay client and the relay server.
type RelayConfig struct {
	URL            string   `yaml:"url"`
	Listen         string   `yaml:"listen"`
	Path           string   `yaml:"path"`
	MetricsListen  string   `yaml:"metrics_listen"`
	SendQueue      int      `yaml:"send_queue"`
	ReadLimit      int64    `yaml:"read_limit"`
	PingInterval   Duration `yaml:"ping_interval"`
	SessionTimeout Duration `yaml:"session_timeout"`
}

// PlaneConfig tunes the sender for one data plane.
type PlaneConfig struct {
	ChunkSize    int               `yaml:"chunk_size"`
	Window       file.WindowConfig `yaml:"window"`
	AckTimeout   Duration          `yaml:"ack_timeout"`
	MaxRetries   int               `yaml:"max_retries"`
	MaxBuffered  uint64            `yaml:"max_buffered"`
	DrainTimeout Duration          `yaml:"drain_timeout"`
	CacheSlack   int               `yaml:"cache_slack"`
	RepairBatch  int               `yaml:"repair_batch"`
}

// TransferConfig holds the engine settings.
type TransferConfig struct {
	Relay         PlaneConfig `yaml:"relay"`
	Direct        PlaneConfig `yaml:"direct"`
	ReadyTimeout  Duration    `yaml:"ready_timeout"`
	VerifyTimeout Duration    `yaml:"verify_timeout"`
	DataTimeout   Duration    `yaml:"data_timeout"`
	SpeedWindow   Duration    `yaml:"speed_window"`
	// MinDirectScore is the combined NAT score below which the relay plane
	// is used without attempting a direct channel.
	MinDirectScore int `yaml:"min_direct_score"`
}

// NegotiationConfig tunes the direct channel setup.
type NegotiationConfig struct {
	ICEServers      []string `yaml:"ice_servers"`
	MaxRestarts     int      `yaml:"max_restarts"`
	RestartCooldown Duration `yaml:"restart_cooldown"`
	ConnectTimeout  Duration `yaml:"connect_timeout"`
}

// NATConfig tunes the classifier probe.
type NATConfig struct {
	ProbeWindow Duration `yaml:"probe_window"`
	Grace       Duration `yaml:"grace"`
}

// Default returns the observed defaults.
func Default() *Config {
	relay := file.DefaultSenderConfig(transport.PlaneRelay)
	direct := file.DefaultSenderConfig(transport.PlaneDirect)
	neg := negotiation.DefaultConfig()
	probe := nat.DefaultConfig()

	return &Config{
		LogLevel: "info",
		Relay: RelayConfig{
			URL:            "ws://localhost:8080/ws",
			Listen:         ":8080",
			Path:           "/ws",
			MetricsListen:  ":9090",
			SendQueue:      transport.DefaultWebSocketOptions().SendQueue,
			ReadLimit:      transport.DefaultWebSocketOptions().ReadLimit,
			PingInterval:   Duration(transport.DefaultWebSocketOptions().PingInterval),
			SessionTimeout: Duration(10 * time.Minute),
		},
		Transfer: TransferConfig{
			Relay:          planeFromSender(relay),
			Direct:         planeFromSender(direct),
			ReadyTimeout:   Duration(relay.ReadyTimeout),
			VerifyTimeout:  Duration(relay.VerifyTimeout),
			DataTimeout:    Duration(file.DefaultReceiverConfig(transport.PlaneRelay).DataTimeout),
			SpeedWindow:    Duration(file.DefaultSpeedWindow),
			MinDirectScore: 50,
		},
		Negotiation: NegotiationConfig{
			ICEServers:      []string{"stun:stun.l.google.com:19302"},
			MaxRestarts:     neg.MaxRestarts,
			RestartCooldown: Duration(neg.RestartCooldown),
			ConnectTimeout:  Duration(neg.ConnectTimeout),
		},
		NAT: NATConfig{
			ProbeWindow: Duration(probe.ProbeWindow),
			Grace:       Duration(probe.Grace),
		},
	}
}

func planeFromSender(s file.SenderConfig) PlaneConfig {
	return PlaneConfig{
		ChunkSize:    s.ChunkSize,
		Window:       s.Window,
		AckTimeout:   Duration(s.AckTimeout),
		MaxRetries:   s.MaxRetries,
		MaxBuffered:  s.MaxBuffered,
		DrainTimeout: Duration(s.DrainTimeout),
		CacheSlack:   s.CacheSlack,
		RepairBatch:  s.RepairBatch,
	}
}

// Load reads path and overlays it on Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML data on Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	if err := validatePlane("transfer.relay", c.Transfer.Relay, limits.MaxRelayChunk); err != nil {
		return err
	}
	if err := validatePlane("transfer.direct", c.Transfer.Direct, limits.MaxDirectChunk); err != nil {
		return err
	}

	durations := []struct {
		name  string
		value Duration
	}{
		{"transfer.verify_timeout", c.Transfer.VerifyTimeout},
		{"transfer.speed_window", c.Transfer.SpeedWindow},
		{"negotiation.restart_cooldown", c.Negotiation.RestartCooldown},
		{"negotiation.connect_timeout", c.Negotiation.ConnectTimeout},
		{"nat.probe_window", c.NAT.ProbeWindow},
		{"nat.grace", c.NAT.Grace},
		{"relay.ping_interval", c.Relay.PingInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, d.name)
		}
	}
	// Zero disables these.
	if c.Transfer.DataTimeout < 0 || c.Transfer.ReadyTimeout < 0 {
		return fmt.Errorf("%w: transfer timeouts must not be negative", ErrInvalidConfig)
	}
	if c.NAT.Grace > c.NAT.ProbeWindow {
		return fmt.Errorf("%w: nat.grace exceeds nat.probe_window", ErrInvalidConfig)
	}
	if c.Negotiation.MaxRestarts < 0 {
		return fmt.Errorf("%w: negotiation.max_restarts must not be negative", ErrInvalidConfig)
	}
	if c.Relay.SendQueue < 1 {
		return fmt.Errorf("%w: relay.send_queue must be at least 1", ErrInvalidConfig)
	}
	if c.Transfer.MinDirectScore < 0 || c.Transfer.MinDirectScore > 100 {
		return fmt.Errorf("%w: transfer.min_direct_score must be in [0,100]", ErrInvalidConfig)
	}
	return nil
}

func validatePlane(name string, p PlaneConfig, maxChunk int) error {
	if err := limits.ValidateChunkSizeConfig(p.ChunkSize, maxChunk); err != nil {
		return fmt.Errorf("%w: %s.chunk_size: %v", ErrInvalidConfig, name, err)
	}
	w := p.Window
	switch {
	case w.Min < 1:
		return fmt.Errorf("%w: %s.window.min must be at least 1", ErrInvalidConfig, name)
	case w.Min > w.Initial:
		return fmt.Errorf("%w: %s.window.min exceeds initial", ErrInvalidConfig, name)
	case w.Initial > w.Max:
		return fmt.Errorf("%w: %s.window.initial exceeds max", ErrInvalidConfig, name)
	}
	if p.AckTimeout <= 0 || p.DrainTimeout <= 0 {
		return fmt.Errorf("%w: %s timeouts must be positive", ErrInvalidConfig, name)
	}
	if p.MaxRetries < 1 || p.RepairBatch < 1 || p.CacheSlack < 0 {
		return fmt.Errorf("%w: %s retry, repair and cache settings out of range", ErrInvalidConfig, name)
	}
	if p.MaxBuffered < uint64(p.ChunkSize) {
		return fmt.Errorf("%w: %s.max_buffered is smaller than one chunk", ErrInvalidConfig, name)
	}
	return nil
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// SenderConfig builds the sender settings for plane.
func (c *Config) SenderConfig(plane transport.DataPlane) file.SenderConfig {
	p := c.Transfer.Relay
	if plane == transport.PlaneDirect {
		p = c.Transfer.Direct
	}
	cfg := file.DefaultSenderConfig(plane)
	cfg.Plane = plane
	cfg.ChunkSize = p.ChunkSize
	cfg.Window = p.Window
	cfg.AckTimeout = p.AckTimeout.Std()
	cfg.MaxRetries = p.MaxRetries
	cfg.MaxBuffered = p.MaxBuffered
	cfg.DrainTimeout = p.DrainTimeout.Std()
	cfg.CacheSlack = p.CacheSlack
	cfg.RepairBatch = p.RepairBatch
	cfg.ReadyTimeout = c.Transfer.ReadyTimeout.Std()
	cfg.VerifyTimeout = c.Transfer.VerifyTimeout.Std()
	cfg.SpeedWindow = c.Transfer.SpeedWindow.Std()
	return cfg
}

// ReceiverConfig builds the receiver settings for plane.
func (c *Config) ReceiverConfig(plane transport.DataPlane) file.ReceiverConfig {
	p := c.Transfer.Relay
	if plane == transport.PlaneDirect {
		p = c.Transfer.Direct
	}
	return file.ReceiverConfig{
		Plane:       plane,
		DataTimeout: c.Transfer.DataTimeout.Std(),
		SpeedWindow: c.Transfer.SpeedWindow.Std(),
		NackBatch:   p.RepairBatch,
	}
}

// NegotiatorConfig builds the negotiation settings.
func (c *Config) NegotiatorConfig() negotiation.Config {
	return negotiation.Config{
		MaxRestarts:     c.Negotiation.MaxRestarts,
		RestartCooldown: c.Negotiation.RestartCooldown.Std(),
		ConnectTimeout:  c.Negotiation.ConnectTimeout.Std(),
	}
}

// ClassifierConfig builds the NAT probe settings.
func (c *Config) ClassifierConfig() nat.Config {
	return nat.Config{
		ProbeWindow: c.NAT.ProbeWindow.Std(),
		Grace:       c.NAT.Grace.Std(),
	}
}

// WebSocketOptions builds the relay transport settings.
func (c *Config) WebSocketOptions() transport.WebSocketOptions {
	opts := transport.DefaultWebSocketOptions()
	opts.SendQueue = c.Relay.SendQueue
	opts.ReadLimit = c.Relay.ReadLimit
	opts.PingInterval = c.Relay.PingInterval.Std()
	return opts
}

// HubConfig builds the relay server settings.
func (c *Config) HubConfig() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.WebSocket = c.WebSocketOptions()
	cfg.SessionTimeout = c.Relay.SessionTimeout.Std()
	return cfg
}
