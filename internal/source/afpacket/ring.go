package afpacket

import "fmt"

const (
	tpacketAlignment = 16
	tpacketHdrLen    = 52
	maxBlockSize     = 4 << 20
)

// ring is a PACKET_MMAP ring layout. The kernel requires frameSize to be a
// multiple of TPACKET_ALIGNMENT, blockSize to be a multiple of the page size
// and of frameSize.
type ring struct {
	frameSize int
	blockSize int
	numBlocks int
}

// ringFor lays out a ring of roughly bufferMB megabytes holding frames of up
// to snapLen bytes.
func ringFor(bufferMB, snapLen, pageSize int) (ring, error) {
	if bufferMB <= 0 {
		return ring{}, fmt.Errorf("buffer size must be positive, got %d MB", bufferMB)
	}
	if snapLen <= 0 {
		return ring{}, fmt.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return ring{}, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	var r ring
	r.frameSize = alignUp(tpacketHdrLen+snapLen, tpacketAlignment)
	r.blockSize = max(lcm(pageSize, r.frameSize), pageSize, r.frameSize)
	if r.blockSize > maxBlockSize {
		// Give up on a zero-waste block and fit as many frames as the cap
		// allows, rounded up to whole pages.
		r.blockSize = alignUp(max(maxBlockSize/r.frameSize, 1)*r.frameSize, pageSize)
	}
	r.numBlocks = max((bufferMB<<20)/r.blockSize, 1)
	return r, nil
}

func alignUp(n, to int) int { return (n + to - 1) / to * to }

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
