//go:build linux

// Package afpacket attaches a device to a Linux network interface through a
// PACKET_MMAP ring.
package afpacket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/loop"
)

const pollTimeout = 100 * time.Millisecond

// Config describes the interface binding.
type Config struct {
	Interface    string
	SnapLen      int
	BufferSizeMB int
	// BPFFilter is a pcap filter expression. When empty, the socket only
	// passes frames addressed to MAC or to a group address.
	BPFFilter string
	MAC       net.HardwareAddr
}

// Source captures from and transmits on one interface for one device.
type Source struct {
	iface  string
	dev    device.ID
	handle *afpacket.TPacket
}

var (
	_ loop.Capturer = (*Source)(nil)
	_ loop.Sink     = (*Source)(nil)
)

// Open binds a TPACKET_V3 socket to cfg.Interface.
func Open(cfg Config, dev device.ID) (*Source, error) {
	r, err := ringFor(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(r.frameSize),
		afpacket.OptBlockSize(r.blockSize),
		afpacket.OptNumBlocks(r.numBlocks),
		afpacket.OptPollTimeout(pollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", cfg.Interface, err)
	}

	filter, err := compileFilter(cfg, r.frameSize)
	if err != nil {
		tp.Close()
		return nil, fmt.Errorf("interface %s: %w", cfg.Interface, err)
	}
	if err := tp.SetBPF(filter); err != nil {
		tp.Close()
		return nil, fmt.Errorf("interface %s: attach filter: %w", cfg.Interface, err)
	}

	slog.Info("afpacket socket opened",
		"interface", cfg.Interface,
		core.LabelDevice, dev,
		"frame_size", r.frameSize,
		"block_size", r.blockSize,
		"num_blocks", r.numBlocks)
	return &Source{iface: cfg.Interface, dev: dev, handle: tp}, nil
}

func compileFilter(cfg Config, snapLen int) ([]bpf.RawInstruction, error) {
	if cfg.BPFFilter == "" {
		return MACFilter(cfg.MAC, snapLen)
	}
	pcapBPF, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, cfg.BPFFilter)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", cfg.BPFFilter, err)
	}
	raw := make([]bpf.RawInstruction, len(pcapBPF))
	for i, inst := range pcapBPF {
		raw[i] = bpf.RawInstruction{Op: inst.Code, Jt: inst.Jt, Jf: inst.Jf, K: inst.K}
	}
	return raw, nil
}

// Capture implements loop.Capturer. It runs until ctx is done.
func (s *Source) Capture(ctx context.Context, output chan<- loop.Frame) error {
	for {
		data, ci, err := s.handle.ReadPacketData()
		switch {
		case errors.Is(err, afpacket.ErrTimeout):
			if ctx.Err() != nil {
				return nil
			}
			continue
		case err != nil:
			return fmt.Errorf("interface %s: read: %w", s.iface, err)
		}
		select {
		case output <- loop.Frame{Device: s.dev, Timestamp: ci.Timestamp, Data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

// WriteFrame implements loop.Sink.
func (s *Source) WriteFrame(_ device.ID, frame []byte) error {
	return s.handle.WritePacketData(frame)
}

// Close releases the socket.
func (s *Source) Close() error {
	s.handle.Close()
	return nil
}
