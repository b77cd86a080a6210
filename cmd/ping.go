package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/loop"
	"firestige.xyz/netcore/internal/source/file"
	"firestige.xyz/netcore/internal/stack"
	"firestige.xyz/netcore/internal/wire"
)

var pingCmd = &cobra.Command{
	Use:   "ping <destination>",
	Short: "Build an echo request frame",
	Long: `Build the Ethernet frame carrying an ICMP or ICMPv6 echo request from a
one-device stack, and print it as a hex dump or append it to a pcap file.

Without --dst-mac an IPv4 unicast destination yields the ARP request the stack
sends to resolve it.

Examples:
  netcore ping 10.0.0.1 --src 10.0.0.2/24 --dst-mac 02:00:00:00:00:fe
  netcore ping ff02::1 --src fe80::1/64 -w echo.pcap`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts := pingOpts
		dst, err := netip.ParseAddr(args[0])
		if err != nil {
			exitWithError("invalid destination", err)
		}
		opts.dst = dst
		if err := runPing(opts, os.Stdout); err != nil {
			exitWithError("ping failed", err)
		}
	},
}

type pingOptions struct {
	mac     string
	src     string
	dst     netip.Addr
	dstMAC  string
	mtu     int
	id      uint16
	seq     uint16
	payload string
	write   string
}

var pingOpts pingOptions

func init() {
	f := pingCmd.Flags()
	f.StringVar(&pingOpts.mac, "mac", "02:00:00:00:00:01", "source MAC address")
	f.StringVar(&pingOpts.src, "src", "", "source address with prefix length (required)")
	f.StringVar(&pingOpts.dstMAC, "dst-mac", "", "destination MAC address for a unicast destination")
	f.IntVar(&pingOpts.mtu, "mtu", 1500, "device MTU")
	f.Uint16Var(&pingOpts.id, "id", 1, "echo identifier")
	f.Uint16Var(&pingOpts.seq, "seq", 1, "echo sequence number")
	f.StringVar(&pingOpts.payload, "payload", "netcore", "echo data")
	f.StringVarP(&pingOpts.write, "write", "w", "", "write the frame to this pcap file instead of printing it")
	pingCmd.MarkFlagRequired("src")
}

// hexSink prints every frame as a hex dump.
type hexSink struct{ out io.Writer }

func (h hexSink) WriteFrame(dev device.ID, frame []byte) error {
	_, err := fmt.Fprintf(h.out, "%s: %d bytes\n%s", dev, len(frame), hex.Dump(frame))
	return err
}

func runPing(opts pingOptions, out io.Writer) error {
	mac, err := net.ParseMAC(opts.mac)
	if err != nil {
		return fmt.Errorf("invalid --mac: %w", err)
	}
	src, err := netip.ParsePrefix(opts.src)
	if err != nil {
		return fmt.Errorf("invalid --src: %w", err)
	}

	var sink loop.Sink = hexSink{out: out}
	if opts.write != "" {
		w, err := file.Create(opts.write, 65535)
		if err != nil {
			return err
		}
		defer w.Close()
		sink = w
	}

	// The loop never runs: the frame is handed to the sink synchronously.
	l := loop.New(loop.Config{Sink: sink})
	s := stack.New(stack.DefaultConfig(), l)
	dev := s.AddEthernetDevice(mac, opts.mtu)
	if err := s.SetAddr(dev, src); err != nil {
		return err
	}
	if opts.dstMAC != "" {
		dstMAC, err := net.ParseMAC(opts.dstMAC)
		if err != nil {
			return fmt.Errorf("invalid --dst-mac: %w", err)
		}
		if err := s.AddStaticNeighbor(dev, opts.dst, dstMAC); err != nil {
			return err
		}
	}
	return s.SendEchoRequest(dev, opts.dst, wire.NewIDSeq(opts.id, opts.seq), []byte(opts.payload))
}
