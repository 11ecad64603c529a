// internal/netconfig/config.go
package netconfig

// Node roles. A bridge carries the operator consoles and the hex
// dialogue; a peer runs the bus-facing services only.
const (
	RoleBridge = "bridge"
	RolePeer   = "peer"
)

type Config struct {
	Network NetworkConfig `yaml:"network"`
}

type NetworkConfig struct {
	TickHz     int  `yaml:"tick_hz"`
	WatchdogMs int  `yaml:"watchdog_ms"`
	Debug      bool `yaml:"debug"`

	Nodes []NodeConfig `yaml:"nodes"`
}

// ---- NODE ----

type NodeConfig struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
	Addr uint8  `yaml:"addr"`
	Rtc  bool   `yaml:"rtc"`

	// Console is where the node's UART surfaces outside the process:
	// "none", "stdio", "tcp:<port>" or "serial:<path>".
	Console string `yaml:"console"`

	// StrapLow wires the boot pin low, making the loader reachable on
	// an external reset. Target hangs a programmable chip behind the
	// node's ISP pins.
	StrapLow bool `yaml:"strap_low"`
	Target   bool `yaml:"target"`

	// Per-node watchdog override (optional)
	WatchdogMs *int `yaml:"watchdog_ms"`
}
