// internal/netconfig/validate.go
package netconfig

import (
	"fmt"
	"strconv"
	"strings"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if len(cfg.Network.Nodes) == 0 {
		return fmt.Errorf("no nodes defined")
	}
	if cfg.Network.TickHz < 0 || cfg.Network.TickHz > 1_000_000 {
		return fmt.Errorf("tick_hz %d out of range", cfg.Network.TickHz)
	}
	if cfg.Network.WatchdogMs < 0 {
		return fmt.Errorf("watchdog_ms %d out of range", cfg.Network.WatchdogMs)
	}

	// ------------------------------------------------------------
	// PER-NODE CHECKS + COLLISIONS
	// ------------------------------------------------------------

	nameOwner := make(map[string]bool)
	addrOwner := make(map[uint8]string)
	stdioOwner := ""

	for _, n := range cfg.Network.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node with address 0x%02X has no name", n.Addr)
		}
		if nameOwner[n.Name] {
			return fmt.Errorf("node name %q used twice", n.Name)
		}
		nameOwner[n.Name] = true

		switch n.Role {
		case "", RoleBridge, RolePeer:
		default:
			return fmt.Errorf("node %q: unknown role %q", n.Name, n.Role)
		}

		// The bridge console offers the hex dialogue, which drives the
		// ISP pair. Without a target chip those tasks never register.
		if n.Role == RoleBridge && !n.Target {
			return fmt.Errorf("node %q: bridge without a target cannot serve its hex dialogue", n.Name)
		}

		// 0x00 is general call, the rest of the low and high blocks
		// are reserved by the bus.
		if n.Addr < 0x08 || n.Addr > 0x77 {
			return fmt.Errorf("node %q: address 0x%02X outside 0x08-0x77", n.Name, n.Addr)
		}
		if prev, exists := addrOwner[n.Addr]; exists {
			return fmt.Errorf("address collision: 0x%02X used by nodes %q and %q", n.Addr, prev, n.Name)
		}
		addrOwner[n.Addr] = n.Name

		if err := validateConsole(n.Console); err != nil {
			return fmt.Errorf("node %q: %w", n.Name, err)
		}
		if n.Console == "stdio" {
			if stdioOwner != "" {
				return fmt.Errorf("stdio console claimed by both %q and %q", stdioOwner, n.Name)
			}
			stdioOwner = n.Name
		}

		if n.WatchdogMs != nil && *n.WatchdogMs <= 0 {
			return fmt.Errorf("node %q: watchdog_ms %d out of range", n.Name, *n.WatchdogMs)
		}
	}

	return nil
}

func validateConsole(s string) error {
	switch {
	case s == "" || s == "none" || s == "stdio":
		return nil
	case strings.HasPrefix(s, "tcp:"):
		// Port 0 asks the system for an ephemeral one.
		port, err := strconv.Atoi(s[len("tcp:"):])
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("console %q: bad port", s)
		}
		return nil
	case strings.HasPrefix(s, "serial:"):
		if s == "serial:" {
			return fmt.Errorf("console %q: empty device path", s)
		}
		return nil
	default:
		return fmt.Errorf("console %q: unknown form", s)
	}
}
