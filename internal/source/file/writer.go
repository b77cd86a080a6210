package file

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/loop"
)

// Writer records transmitted frames to a pcap file.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	w       *pcapgo.Writer
	snapLen int
	now     func() time.Time
}

var _ loop.Sink = (*Writer)(nil)

// Create truncates path and writes a pcap header for Ethernet frames of at
// most snapLen bytes.
func Create(path string, snapLen int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(snapLen), layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture file %s: write header: %w", path, err)
	}
	return &Writer{f: f, w: w, snapLen: snapLen, now: time.Now}, nil
}

// WriteFrame implements loop.Sink. Frames longer than the snap length are
// truncated in the record but keep their original length.
func (w *Writer) WriteFrame(_ device.ID, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	data := frame
	if len(data) > w.snapLen {
		data = data[:w.snapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(data),
		Length:        len(frame),
	}
	return w.w.WritePacket(ci, data)
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
