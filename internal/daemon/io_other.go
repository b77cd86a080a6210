//go:build !linux

package daemon

import (
	"fmt"

	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device"
)

func openAFPacket(config.IOConfig, config.DeviceConfig, device.ID) (*frameIO, error) {
	return nil, fmt.Errorf("afpacket requires linux: %w", core.ErrUnsupportedProto)
}
