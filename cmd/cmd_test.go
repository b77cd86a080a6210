package cmd

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netcore/internal/core"
)

func pingTo(dst string) pingOptions {
	return pingOptions{
		mac:     "02:00:00:00:00:01",
		src:     "10.0.0.2/24",
		dst:     netip.MustParseAddr(dst),
		dstMAC:  "02:00:00:00:00:fe",
		mtu:     1500,
		id:      0x1234,
		seq:     7,
		payload: "netcore",
	}
}

func TestRunPingHexDump(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runPing(pingTo("10.0.0.1"), &buf))

	out := buf.String()
	assert.Contains(t, out, "60 bytes")
	// Destination then source MAC.
	assert.Contains(t, out, "02 00 00 00 00 fe 02 00  00 00 00 01 08 00 45 00")
}

func TestRunPingWritesCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.pcap")
	opts := pingTo("10.0.0.1")
	opts.write = path
	require.NoError(t, runPing(opts, nil))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)

	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoRequest), icmp.TypeCode.Type())
	assert.Equal(t, uint16(0x1234), icmp.Id)
	assert.Equal(t, uint16(7), icmp.Seq)
	assert.Equal(t, []byte("netcore"), icmp.Payload)
}

func TestRunPingResolvesFirst(t *testing.T) {
	opts := pingTo("10.0.0.1")
	opts.dstMAC = ""
	var buf bytes.Buffer
	require.NoError(t, runPing(opts, &buf))
	// An ARP request to the broadcast address.
	assert.Contains(t, buf.String(), "ff ff ff ff ff ff 02 00  00 00 00 01 08 06")
}

func TestRunPingErrors(t *testing.T) {
	opts := pingTo("10.0.0.1")
	opts.payload = string(make([]byte, 2000))
	assert.ErrorIs(t, runPing(opts, &bytes.Buffer{}), core.ErrMTUExceeded)

	opts = pingTo("10.0.0.1")
	opts.src = "10.0.0.2"
	assert.Error(t, runPing(opts, &bytes.Buffer{}))

	opts = pingTo("10.0.0.1")
	opts.mac = "nope"
	assert.Error(t, runPing(opts, &bytes.Buffer{}))
}

func TestRunValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcore.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
netcore:
  devices:
    - name: eth0
      mac: "02:00:00:00:00:01"
      groups: ["239.1.1.1", "ff05::1:3"]
`), 0644))

	var buf bytes.Buffer
	require.NoError(t, runValidate(path, &buf))
	assert.Equal(t, "VALID: 1 device(s), 2 group(s), io=pcap\n", buf.String())

	require.NoError(t, os.WriteFile(path, []byte("netcore:\n  log:\n    level: loud\n"), 0644))
	assert.ErrorIs(t, runValidate(path, &buf), core.ErrConfigInvalid)
}

func TestRunConfigDump(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runConfigDump("", &buf))
	assert.Contains(t, buf.String(), "netcore:")
	assert.Contains(t, buf.String(), "unsolicited_report_interval: 10s")
}
