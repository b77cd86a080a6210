package config

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/netcore/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
netcore:
  log:
    level: debug
    format: text
  metrics:
    enabled: true
    listen: "127.0.0.1:9191"
  igmp:
    unsolicited_report_interval: 5s
    send_leave_anyway: true
  arp:
    request_timeout: 250ms
  devices:
    - name: eth0
      mac: "02:00:00:00:00:01"
      mtu: 9000
      ipv4: 192.168.1.10/24
      ipv6: "fe80::1/64"
      groups: ["224.0.0.251", "ff02::fb"]
      neighbors:
        - ip: 192.168.1.1
          mac: "02:00:00:00:00:fe"
  io:
    type: pcap
    device: eth0
    read_file: /tmp/in.pcap
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9191", cfg.Metrics.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 5*time.Second, cfg.IGMP.UnsolicitedReportInterval)
	assert.True(t, cfg.IGMP.SendLeaveAnyway)
	assert.Equal(t, 400*time.Second, cfg.IGMP.V1RouterPresentTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ARP.RequestTimeout)
	assert.Equal(t, 3, cfg.ARP.MaxRetries)

	require.Len(t, cfg.Devices, 1)
	d := cfg.Devices[0]
	assert.Equal(t, "eth0", d.Name)
	assert.Equal(t, net.HardwareAddr{2, 0, 0, 0, 0, 1}, d.MAC)
	assert.Equal(t, 9000, d.MTU)
	assert.Equal(t, netip.MustParsePrefix("192.168.1.10/24"), d.IPv4)
	assert.Equal(t, netip.MustParsePrefix("fe80::1/64"), d.IPv6)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("224.0.0.251"), netip.MustParseAddr("ff02::fb")}, d.Groups)
	require.Len(t, d.Neighbors, 1)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), d.Neighbors[0].IP)
	assert.Equal(t, net.HardwareAddr{2, 0, 0, 0, 0, 0xfe}, d.Neighbors[0].MAC)

	assert.Equal(t, "eth0", cfg.IO.Device)
	assert.Equal(t, 65535, cfg.IO.SnapLen)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "netcore: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5*time.Second, cfg.Log.Drops.Interval)
	assert.Equal(t, 10, cfg.Log.Drops.Burst)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Listen)
	assert.Equal(t, 10*time.Second, cfg.IGMP.UnsolicitedReportInterval)
	assert.Equal(t, 10*time.Second, cfg.IGMP.LegacyMaxRespTime)
	assert.Equal(t, 10*time.Second, cfg.MLD.UnsolicitedReportInterval)
	assert.Equal(t, time.Second, cfg.ARP.RequestTimeout)
	assert.Equal(t, 16, cfg.ARP.MaxPending)
	assert.Equal(t, "pcap", cfg.IO.Type)
	assert.Equal(t, 8, cfg.IO.BufferSizeMB)
	assert.True(t, cfg.Control.Enabled)
	assert.Equal(t, "/var/run/netcore.sock", cfg.Control.Socket)
	assert.Empty(t, cfg.Devices)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
netcore:
  log:
    level: info
`)
	t.Setenv("NETCORE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestDeviceMTUDefault(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
netcore:
  devices:
    - name: eth0
      mac: "02:00:00:00:00:01"
`))
	require.NoError(t, err)
	assert.Equal(t, defaultMTU, cfg.Devices[0].MTU)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "netcore:\n  log:\n    level: loud\n"},
		{"log format", "netcore:\n  log:\n    format: xml\n"},
		{"zero drop burst", "netcore:\n  log:\n    drops:\n      burst: 0\n"},
		{"device without name", "netcore:\n  devices:\n    - mac: \"02:00:00:00:00:01\"\n"},
		{"device without mac", "netcore:\n  devices:\n    - name: eth0\n"},
		{"duplicate device", "netcore:\n  devices:\n    - {name: eth0, mac: \"02:00:00:00:00:01\"}\n    - {name: eth0, mac: \"02:00:00:00:00:02\"}\n"},
		{"mtu too small", "netcore:\n  devices:\n    - {name: eth0, mac: \"02:00:00:00:00:01\", mtu: 40}\n"},
		{"ipv4 slot holds ipv6", "netcore:\n  devices:\n    - {name: eth0, mac: \"02:00:00:00:00:01\", ipv4: \"fe80::1/64\"}\n"},
		{"unicast group", "netcore:\n  devices:\n    - {name: eth0, mac: \"02:00:00:00:00:01\", groups: [10.0.0.1]}\n"},
		{"unknown io type", "netcore:\n  io:\n    type: tap\n"},
		{"afpacket without interface", "netcore:\n  io:\n    type: afpacket\n"},
		{"unknown io device", "netcore:\n  io:\n    device: eth9\n"},
		{"control without socket", "netcore:\n  control:\n    socket: \"\"\n"},
		{"zero snap length", "netcore:\n  io:\n    snap_len: 0\n"},
		{"zero arp retries", "netcore:\n  arp:\n    max_retries: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestLoadBadMAC(t *testing.T) {
	_, err := Load(writeConfig(t, "netcore:\n  devices:\n    - {name: eth0, mac: \"not-a-mac\"}\n"))
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
netcore:
  devices:
    - name: eth0
      mac: "02:00:00:00:00:01"
      ipv4: 10.0.0.2/24
`))
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)

	var doc struct {
		Netcore struct {
			Log struct {
				Level string `yaml:"level"`
			} `yaml:"log"`
			IGMP struct {
				Interval string `yaml:"unsolicited_report_interval"`
			} `yaml:"igmp"`
			Devices []struct {
				Name string `yaml:"name"`
				MAC  string `yaml:"mac"`
				IPv4 string `yaml:"ipv4"`
				MTU  int    `yaml:"mtu"`
			} `yaml:"devices"`
		} `yaml:"netcore"`
	}
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, "info", doc.Netcore.Log.Level)
	assert.Equal(t, "10s", doc.Netcore.IGMP.Interval)
	require.Len(t, doc.Netcore.Devices, 1)
	assert.Equal(t, "eth0", doc.Netcore.Devices[0].Name)
	assert.Equal(t, "02:00:00:00:00:01", doc.Netcore.Devices[0].MAC)
	assert.Equal(t, "10.0.0.2/24", doc.Netcore.Devices[0].IPv4)
	assert.Equal(t, 1500, doc.Netcore.Devices[0].MTU)
}
