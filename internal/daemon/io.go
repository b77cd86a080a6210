package daemon

import (
	"fmt"
	"io"
	"log/slog"

	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/loop"
	"firestige.xyz/netcore/internal/source/file"
)

// frameIO is the frame plumbing attached to one device.
type frameIO struct {
	capturers []loop.Capturer
	sink      loop.Sink
	closers   []io.Closer
}

func (f *frameIO) Close() error {
	var firstErr error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil
	return firstErr
}

func openIO(cfg config.IOConfig, dc config.DeviceConfig, dev device.ID) (*frameIO, error) {
	switch cfg.Type {
	case "afpacket":
		return openAFPacket(cfg, dc, dev)
	case "pcap", "":
		return openPcap(cfg, dev)
	default:
		return nil, fmt.Errorf("unsupported io type: %s", cfg.Type)
	}
}

func openPcap(cfg config.IOConfig, dev device.ID) (*frameIO, error) {
	fio := &frameIO{}
	if cfg.ReadFile != "" {
		r, err := file.Open(cfg.ReadFile, dev)
		if err != nil {
			return nil, err
		}
		fio.capturers = append(fio.capturers, r)
		fio.closers = append(fio.closers, r)
	}
	if cfg.WriteFile != "" {
		w, err := file.Create(cfg.WriteFile, cfg.SnapLen)
		if err != nil {
			fio.Close()
			return nil, err
		}
		fio.sink = w
		fio.closers = append(fio.closers, w)
	} else {
		slog.Warn("no io.write_file configured, transmitted frames are discarded")
		fio.sink = loop.Discard
	}
	return fio, nil
}
