// Package config loads the netmesh YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/netmesh/internal/lan"
	"github.com/1ureka/netmesh/internal/transport"
	"github.com/1ureka/netmesh/internal/transport/quicdgram"
	"github.com/1ureka/netmesh/internal/util"
)

// Transport names accepted by the transport key.
const (
	TransportUDP  = "udp"
	TransportQUIC = "quic"
)

// Config holds every tunable of a netmesh process. Keys absent from the file
// keep their defaults.
type Config struct {
	Transport    string `yaml:"transport"`
	LogLevel     string `yaml:"log_level"`
	ProtocolName string `yaml:"protocol_name"`
	ProtocolID   uint32 `yaml:"protocol_id"`

	MeshPort   uint16 `yaml:"mesh_port"`
	ClientPort uint16 `yaml:"client_port"`
	ServerPort uint16 `yaml:"server_port"`
	LinkPort   uint16 `yaml:"link_port"` // listen/connect

	MeshSendRate  time.Duration `yaml:"mesh_send_rate"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxPeers      int           `yaml:"max_peers"`
	MaxPacketSize int           `yaml:"max_packet_size"`
	MaxSequence   uint32        `yaml:"max_sequence"`

	SignalAddr string   `yaml:"signal_addr"`
	ICEServers []string `yaml:"ice_servers"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	l := lan.DefaultConfig()
	return &Config{
		Transport:     TransportUDP,
		LogLevel:      "info",
		ProtocolID:    l.ProtocolID,
		MeshPort:      l.MeshPort,
		ClientPort:    l.ClientPort,
		ServerPort:    l.ServerPort,
		LinkPort:      30000,
		MeshSendRate:  l.MeshSendRate,
		Timeout:       l.Timeout,
		MaxPeers:      l.MaxPeers,
		MaxPacketSize: l.MaxPacketSize,
		MaxSequence:   l.MaxSequence,
		SignalAddr:    ":8080",
	}
}

// DefaultPath returns ~/.netmesh/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".netmesh", "config.yaml")
	}
	return filepath.Join(home, ".netmesh", "config.yaml")
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate range-checks the loaded values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportUDP, TransportQUIC:
	default:
		errs = append(errs, fmt.Errorf("transport must be %q or %q, got %q", TransportUDP, TransportQUIC, c.Transport))
	}
	if c.ProtocolName == "" && c.ProtocolID == 0 {
		errs = append(errs, errors.New("protocol_id must be non-zero"))
	}
	if c.MeshPort == 0 || c.ClientPort == 0 || c.ServerPort == 0 || c.LinkPort == 0 {
		errs = append(errs, errors.New("ports must be non-zero"))
	}
	if c.MeshPort == c.ClientPort || c.MeshPort == c.ServerPort || c.ClientPort == c.ServerPort {
		errs = append(errs, errors.New("mesh_port, client_port and server_port must differ"))
	}
	if c.MeshSendRate <= 0 {
		errs = append(errs, errors.New("mesh_send_rate must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.MaxPeers < 1 || c.MaxPeers > 255 {
		errs = append(errs, fmt.Errorf("max_peers must be in [1, 255], got %d", c.MaxPeers))
	}
	if c.MaxPacketSize <= 0 {
		errs = append(errs, errors.New("max_packet_size must be positive"))
	}
	if c.MaxSequence < 255 {
		errs = append(errs, fmt.Errorf("max_sequence must be at least 255, got %d", c.MaxSequence))
	}

	return errors.Join(errs...)
}

// Protocol returns the protocol id, derived from ProtocolName when set.
func (c *Config) Protocol() uint32 {
	if c.ProtocolName != "" {
		return util.ProtocolIDFromName(c.ProtocolName)
	}
	return c.ProtocolID
}

// Factory returns the datagram factory selected by Transport.
func (c *Config) Factory() transport.Factory {
	if c.Transport == TransportQUIC {
		return quicdgram.Factory
	}
	return transport.UDPFactory
}

// LAN converts the configuration into a LAN session config.
func (c *Config) LAN() lan.Config {
	return lan.Config{
		MeshPort:      c.MeshPort,
		ServerPort:    c.ServerPort,
		ClientPort:    c.ClientPort,
		ProtocolID:    c.Protocol(),
		MeshSendRate:  c.MeshSendRate,
		Timeout:       c.Timeout,
		MaxPeers:      c.MaxPeers,
		MaxPacketSize: c.MaxPacketSize,
		MaxSequence:   c.MaxSequence,
	}
}
