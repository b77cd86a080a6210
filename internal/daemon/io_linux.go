//go:build linux

package daemon

import (
	"io"

	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/loop"
	"firestige.xyz/netcore/internal/source/afpacket"
)

func openAFPacket(cfg config.IOConfig, dc config.DeviceConfig, dev device.ID) (*frameIO, error) {
	src, err := afpacket.Open(afpacket.Config{
		Interface:    cfg.Interface,
		SnapLen:      cfg.SnapLen,
		BufferSizeMB: cfg.BufferSizeMB,
		BPFFilter:    cfg.BPFFilter,
		MAC:          dc.MAC,
	}, dev)
	if err != nil {
		return nil, err
	}
	return &frameIO{
		capturers: []loop.Capturer{src},
		sink:      src,
		closers:   []io.Closer{src},
	}, nil
}
