// internal/netconfig/load.go
package netconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a fleet file. Validate and Normalize are the
// caller's next two steps, in that order.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("netconfig: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("netconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Default is the two-node bench setup: a bridge with the programming
// harness and a peer keeping the clock.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Nodes: []NodeConfig{
				{
					Name:     "bbb",
					Role:     RoleBridge,
					Addr:     0x51,
					StrapLow: true,
					Target:   true,
				},
				{
					Name: "fff",
					Role: RolePeer,
					Addr: 0x54,
					Rtc:  true,
				},
			},
		},
	}
}
