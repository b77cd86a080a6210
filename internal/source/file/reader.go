// Package file replays and records Ethernet frames in capture files.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/loop"
)

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader replays a pcap or pcapng file into one device.
type Reader struct {
	path   string
	dev    device.ID
	f      *os.File
	handle packetReader
}

var _ loop.Capturer = (*Reader)(nil)

// Open opens a capture file whose frames will be delivered to dev. Both
// the classic pcap and the pcapng formats are accepted, as long as the link
// type is Ethernet.
func Open(path string, dev device.ID) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	handle, err := newPacketReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture file %s: %w", path, err)
	}
	if lt := handle.LinkType(); lt != layers.LinkTypeEthernet {
		f.Close()
		return nil, fmt.Errorf("capture file %s: link type %s: %w", path, lt, core.ErrUnsupportedProto)
	}
	return &Reader{path: path, dev: dev, f: f, handle: handle}, nil
}

func newPacketReader(f *os.File) (packetReader, error) {
	r, err := pcapgo.NewReader(f)
	if err == nil {
		return r, nil
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return nil, serr
	}
	ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		return nil, fmt.Errorf("neither pcap (%v) nor pcapng (%v)", err, ngErr)
	}
	return ng, nil
}

// Capture implements loop.Capturer. It returns nil at the end of the file.
func (r *Reader) Capture(ctx context.Context, output chan<- loop.Frame) error {
	var n int
	defer func() {
		slog.Info("capture file replayed", "path", r.path, core.LabelDevice, r.dev, "frames", n)
	}()
	for {
		data, ci, err := r.handle.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		select {
		case output <- loop.Frame{Device: r.dev, Timestamp: ci.Timestamp, Data: data}:
			n++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
