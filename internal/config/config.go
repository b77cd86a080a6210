// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device/arp"
	"firestige.xyz/netcore/internal/gmp/igmp"
	"firestige.xyz/netcore/internal/gmp/mld"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `netcore:` root key in YAML.
type GlobalConfig struct {
	Log     LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	IGMP    igmp.Config    `mapstructure:"igmp" yaml:"igmp"`
	MLD     mld.Config     `mapstructure:"mld" yaml:"mld"`
	ARP     arp.Config     `mapstructure:"arp" yaml:"arp"`
	Devices []DeviceConfig `mapstructure:"devices" yaml:"devices"`
	IO      IOConfig       `mapstructure:"io" yaml:"io"`
	Control ControlConfig  `mapstructure:"control" yaml:"control"`
}

// ─── Devices ───

// DeviceConfig describes one Ethernet device.
type DeviceConfig struct {
	Name      string           `mapstructure:"name" yaml:"name"`
	MAC       net.HardwareAddr `mapstructure:"mac" yaml:"-"`
	MTU       int              `mapstructure:"mtu" yaml:"mtu"`
	IPv4      netip.Prefix     `mapstructure:"ipv4" yaml:"ipv4"`
	IPv6      netip.Prefix     `mapstructure:"ipv6" yaml:"ipv6"`
	Groups    []netip.Addr     `mapstructure:"groups" yaml:"groups,omitempty"`
	Neighbors []NeighborConfig `mapstructure:"neighbors" yaml:"neighbors,omitempty"`
}

// NeighborConfig is a static IP to MAC binding.
type NeighborConfig struct {
	IP  netip.Addr       `mapstructure:"ip" yaml:"ip"`
	MAC net.HardwareAddr `mapstructure:"mac" yaml:"-"`
}

// MarshalYAML renders the MAC in its colon-separated form.
func (d DeviceConfig) MarshalYAML() (any, error) {
	type plain DeviceConfig
	return struct {
		plain `yaml:",inline"`
		MAC   string `yaml:"mac"`
	}{plain(d), d.MAC.String()}, nil
}

// MarshalYAML renders the MAC in its colon-separated form.
func (n NeighborConfig) MarshalYAML() (any, error) {
	return struct {
		IP  netip.Addr `yaml:"ip"`
		MAC string     `yaml:"mac"`
	}{n.IP, n.MAC.String()}, nil
}

// ─── Frame I/O ───

// IOConfig selects where frames come from and where they go.
type IOConfig struct {
	Type         string `mapstructure:"type" yaml:"type"`             // pcap | afpacket
	Device       string `mapstructure:"device" yaml:"device"`         // attached device name; empty = first
	ReadFile     string `mapstructure:"read_file" yaml:"read_file"`   // pcap replay input
	WriteFile    string `mapstructure:"write_file" yaml:"write_file"` // pcap record output
	Interface    string `mapstructure:"interface" yaml:"interface"`   // afpacket interface
	SnapLen      int    `mapstructure:"snap_len" yaml:"snap_len"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"` // afpacket ring size
	BPFFilter    string `mapstructure:"bpf_filter" yaml:"bpf_filter"`         // afpacket; empty = our MAC + group addresses
}

// ─── Control ───

// ControlConfig configures the local JSON-RPC control socket.
type ControlConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Socket  string `mapstructure:"socket" yaml:"socket"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
	Drops   DropLogConfig    `mapstructure:"drops" yaml:"drops"`
}

// DropLogConfig limits the per-frame diagnostics logged for dropped or
// malformed input: Burst records at once, then one every Interval.
type DropLogConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Burst    int           `mapstructure:"burst" yaml:"burst"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `netcore: ...`.
type configRoot struct {
	Netcore GlobalConfig `mapstructure:"netcore"`
}

// Load loads configuration from file. An empty path yields the defaults,
// still subject to environment overrides.
// The YAML file uses `netcore:` as root key; env vars use the NETCORE_ prefix
// (e.g., NETCORE_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `netcore.` key prefix maps to `NETCORE_` through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Netcore

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToHardwareAddrHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// stringToHardwareAddrHook parses "aa:bb:cc:dd:ee:ff" into net.HardwareAddr.
func stringToHardwareAddrHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(net.HardwareAddr{}) {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return net.HardwareAddr(nil), nil
		}
		return net.ParseMAC(s)
	}
}

// setDefaults sets default values for configuration.
// All keys use "netcore." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("netcore.log.level", "info")
	v.SetDefault("netcore.log.format", "json")
	v.SetDefault("netcore.log.outputs.file.enabled", false)
	v.SetDefault("netcore.log.outputs.file.path", "/var/log/netcore/netcore.log")
	v.SetDefault("netcore.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("netcore.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("netcore.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("netcore.log.outputs.file.rotation.compress", true)
	v.SetDefault("netcore.log.drops.interval", "5s")
	v.SetDefault("netcore.log.drops.burst", 10)

	// Metrics defaults
	v.SetDefault("netcore.metrics.enabled", true)
	v.SetDefault("netcore.metrics.listen", ":9091")
	v.SetDefault("netcore.metrics.path", "/metrics")

	// Protocol defaults
	v.SetDefault("netcore.igmp.unsolicited_report_interval", "10s")
	v.SetDefault("netcore.igmp.v1_router_present_timeout", "400s")
	v.SetDefault("netcore.igmp.legacy_max_resp_time", "10s")
	v.SetDefault("netcore.igmp.send_leave_anyway", false)
	v.SetDefault("netcore.mld.unsolicited_report_interval", "10s")
	v.SetDefault("netcore.mld.send_leave_anyway", false)
	v.SetDefault("netcore.arp.request_timeout", "1s")
	v.SetDefault("netcore.arp.max_retries", 3)
	v.SetDefault("netcore.arp.max_pending", 16)

	// Control defaults
	v.SetDefault("netcore.control.enabled", true)
	v.SetDefault("netcore.control.socket", "/var/run/netcore.sock")

	// IO defaults
	v.SetDefault("netcore.io.type", "pcap")
	v.SetDefault("netcore.io.snap_len", 65535)
	v.SetDefault("netcore.io.buffer_size_mb", 8)
}

const (
	defaultMTU = 1500
	minMTU     = 68
	maxMTU     = 65535
)

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Drops.Interval <= 0 || cfg.Log.Drops.Burst <= 0 {
		return invalid("log.drops.interval and log.drops.burst must be positive")
	}

	// ── Protocol timers ──
	if cfg.IGMP.UnsolicitedReportInterval <= 0 {
		return invalid("igmp.unsolicited_report_interval must be positive")
	}
	if cfg.IGMP.LegacyMaxRespTime <= 0 {
		cfg.IGMP.LegacyMaxRespTime = igmp.DefaultConfig().LegacyMaxRespTime
	}
	if cfg.IGMP.V1RouterPresentTimeout <= 0 {
		cfg.IGMP.V1RouterPresentTimeout = igmp.DefaultConfig().V1RouterPresentTimeout
	}
	if cfg.MLD.UnsolicitedReportInterval <= 0 {
		return invalid("mld.unsolicited_report_interval must be positive")
	}
	if cfg.ARP.RequestTimeout < time.Millisecond {
		return invalid("arp.request_timeout too small: %s", cfg.ARP.RequestTimeout)
	}
	if cfg.ARP.MaxRetries < 1 || cfg.ARP.MaxPending < 1 {
		return invalid("arp.max_retries and arp.max_pending must be at least 1")
	}

	// ── Devices ──
	seen := make(map[string]bool, len(cfg.Devices))
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Name == "" {
			return invalid("devices[%d].name is required", i)
		}
		if seen[d.Name] {
			return invalid("duplicate device name: %s", d.Name)
		}
		seen[d.Name] = true
		if len(d.MAC) != 6 {
			return invalid("device %s: mac must be a 6-byte Ethernet address", d.Name)
		}
		if d.MTU == 0 {
			d.MTU = defaultMTU
		}
		if d.MTU < minMTU || d.MTU > maxMTU {
			return invalid("device %s: mtu %d out of range [%d, %d]", d.Name, d.MTU, minMTU, maxMTU)
		}
		if d.IPv4.IsValid() && !d.IPv4.Addr().Is4() {
			return invalid("device %s: ipv4 %s is not an IPv4 prefix", d.Name, d.IPv4)
		}
		if d.IPv6.IsValid() && !d.IPv6.Addr().Is6() {
			return invalid("device %s: ipv6 %s is not an IPv6 prefix", d.Name, d.IPv6)
		}
		for _, g := range d.Groups {
			if !g.IsMulticast() {
				return invalid("device %s: group %s is not a multicast address", d.Name, g)
			}
		}
		for _, n := range d.Neighbors {
			if !n.IP.IsValid() || len(n.MAC) != 6 {
				return invalid("device %s: neighbor needs an ip and a 6-byte mac", d.Name)
			}
		}
	}

	// ── IO ──
	switch cfg.IO.Type {
	case "pcap", "":
	case "afpacket":
		if cfg.IO.Interface == "" {
			return invalid("io.interface is required when io.type=afpacket")
		}
	default:
		return invalid("unsupported io.type: %s (must be pcap/afpacket)", cfg.IO.Type)
	}
	if cfg.IO.SnapLen <= 0 {
		return invalid("io.snap_len must be positive")
	}
	if cfg.IO.Device != "" && !seen[cfg.IO.Device] {
		return invalid("io.device %s is not a configured device", cfg.IO.Device)
	}

	if cfg.Control.Enabled && cfg.Control.Socket == "" {
		return invalid("control.socket is required when control is enabled")
	}

	return nil
}

// Dump renders the effective configuration under the `netcore:` root key.
func (cfg *GlobalConfig) Dump() ([]byte, error) {
	return yaml.Marshal(map[string]*GlobalConfig{"netcore": cfg})
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}
