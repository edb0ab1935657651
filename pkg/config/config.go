// Package config loads the yaml configuration of a virtual host.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"inetcore/pkg/ipstack"
	"inetcore/pkg/link"
	"inetcore/pkg/ping"
)

const (
	LinkUDP      = "udp"
	LinkLoopback = "loopback"
)

type Config struct {
	Host    HostConfig     `yaml:"host"`
	Log     LogConfig      `yaml:"log"`
	Link    LinkConfig     `yaml:"link"`
	Stack   ipstack.Config `yaml:"stack"`
	Ping    ping.Config    `yaml:"ping"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

type HostConfig struct {
	// Address is the host's virtual IPv4 address.
	Address string `yaml:"address"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LinkConfig struct {
	Kind      string           `yaml:"kind"`
	Listen    string           `yaml:"listen"`
	Neighbors []NeighborConfig `yaml:"neighbors"`
}

type NeighborConfig struct {
	IP  string `yaml:"ip"`
	UDP string `yaml:"udp"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Link: LinkConfig{
			Kind:   LinkUDP,
			Listen: "127.0.0.1:0",
		},
		Stack: ipstack.DefaultConfig(),
		Ping:  ping.DefaultConfig(),
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return Parse(data)
}

// Parse applies data on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return cfg, nil
}

// Validate reports every problem found, one per line.
func (c *Config) Validate() error {
	var errs []string

	if _, err := c.HostAddr(); err != nil {
		errs = append(errs, err.Error())
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	switch c.Link.Kind {
	case LinkLoopback:
	case LinkUDP:
		if _, err := netip.ParseAddrPort(c.Link.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("link.listen: %v", err))
		}
		if _, err := c.Neighbors(); err != nil {
			errs = append(errs, err.Error())
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid link.kind: %s (must be udp or loopback)", c.Link.Kind))
	}

	if err := c.Stack.Validate(); err != nil {
		errs = append(errs, "stack: "+err.Error())
	}
	if err := c.Ping.Validate(); err != nil {
		errs = append(errs, "ping: "+err.Error())
	}
	if c.Metrics.Listen != "" {
		if _, err := netip.ParseAddrPort(c.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.listen: %v", err))
		}
	}

	if len(errs) > 0 {
		return errors.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// HostAddr parses host.address.
func (c *Config) HostAddr() (netip.Addr, error) {
	ip, err := netip.ParseAddr(c.Host.Address)
	if err != nil || !ip.Is4() || ip.IsUnspecified() {
		return netip.Addr{}, errors.Errorf("host.address %q is not a usable IPv4 address", c.Host.Address)
	}
	return ip, nil
}

// Neighbors parses link.neighbors.
func (c *Config) Neighbors() ([]link.Neighbor, error) {
	out := make([]link.Neighbor, 0, len(c.Link.Neighbors))
	for i, n := range c.Link.Neighbors {
		ip, err := netip.ParseAddr(n.IP)
		if err != nil || !ip.Is4() {
			return nil, errors.Errorf("link.neighbors[%d]: invalid ip %q", i, n.IP)
		}
		udp, err := netip.ParseAddrPort(n.UDP)
		if err != nil {
			return nil, errors.Errorf("link.neighbors[%d]: invalid udp address %q", i, n.UDP)
		}
		out = append(out, link.Neighbor{IP: ip, UDP: udp})
	}
	return out, nil
}

// Marshal renders the effective configuration as yaml.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config")
	}
	return data, nil
}

// String is Marshal for log output. A failure is rendered as a yaml
// comment.
func (c *Config) String() string {
	data, err := c.Marshal()
	if err != nil {
		return "# " + err.Error() + "\n"
	}
	return string(data)
}
