// internal/netconfig/normalize.go
package netconfig

// Normalize applies post-validation defaults.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Network.TickHz == 0 {
		cfg.Network.TickHz = 1000
	}
	if cfg.Network.WatchdogMs == 0 {
		cfg.Network.WatchdogMs = 4000
	}

	for i := range cfg.Network.Nodes {
		n := &cfg.Network.Nodes[i]

		if n.Role == "" {
			n.Role = RolePeer
		}
		if n.Console == "" {
			n.Console = "none"
		}

		// Materialize the watchdog so later stages never consult the
		// network-level figure.
		if n.WatchdogMs == nil {
			ms := cfg.Network.WatchdogMs
			n.WatchdogMs = &ms
		}
	}
}
