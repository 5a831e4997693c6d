// Package config loads the per-run identity and tunables this engine
// needs, split the way the original tooling splits init.yaml (per-run
// identity, regenerated each run) from config.yaml (stable tunables),
// parsed with gopkg.in/yaml.v3 (spec.md §4.6, §8).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Role is which side of the throughput run this process plays.
type Role string

const (
	RoleTransmitter Role = "tx"
	RoleReceiver    Role = "rx"
)

// Identity is the per-run addressing and pairing material the two peers
// must agree on (init.yaml in the original tooling).
type Identity struct {
	OwnAddress     string `yaml:"own_address"`
	OwnAddressType uint8  `yaml:"own_address_type"`
	DevIndex       int    `yaml:"dev_index"`
	PeerAddress    string `yaml:"peer_address,omitempty"`
	PeerAddressType uint8 `yaml:"peer_address_type,omitempty"`
	LongTermKey    string `yaml:"ltk,omitempty"`
}

// Tunables are the run's stable parameters (config.yaml in the original
// tooling): packet size, count, PHY preference, and whether to encrypt.
type Tunables struct {
	Role                Role   `yaml:"role"`
	NumPackets          int    `yaml:"num_of_packets_to_send"`
	BytesPerPacket      int    `yaml:"bytes_number_in_packet"`
	PHY                 string `yaml:"phy"` // "1m", "2m", or "coded"
	UseEncryption       bool   `yaml:"use_encryption"`
	ConnIntervalMin     uint16 `yaml:"conn_interval_min"`
	ConnIntervalMax     uint16 `yaml:"conn_interval_max"`
	SupervisionTimeout  uint16 `yaml:"supervision_timeout"`
	TestDirectory       string `yaml:"test_directory"`
}

// Config is the fully-assembled run configuration.
type Config struct {
	Identity Identity `yaml:"identity"`
	Tunables `yaml:",inline"`
}

// Load reads and merges an init.yaml-style identity file and a
// config.yaml-style tunables file.
func Load(initPath, cfgPath string) (*Config, error) {
	var c Config
	if err := loadYAML(initPath, &c.Identity); err != nil {
		return nil, fmt.Errorf("config: loading identity from %s: %w", initPath, err)
	}
	if err := loadYAML(cfgPath, &c.Tunables); err != nil {
		return nil, fmt.Errorf("config: loading tunables from %s: %w", cfgPath, err)
	}
	if c.NumPackets <= 0 {
		return nil, fmt.Errorf("config: num_of_packets_to_send must be positive")
	}
	if c.BytesPerPacket <= 0 {
		return nil, fmt.Errorf("config: bytes_number_in_packet must be positive")
	}
	return &c, nil
}

func loadYAML(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, v)
}
