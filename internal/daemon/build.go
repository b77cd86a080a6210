package daemon

import (
	"fmt"
	"log/slog"
	"net/netip"

	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/stack"
	"firestige.xyz/netcore/internal/wire"
)

// Build creates a stack driven by disp and configures every device in cfg:
// addresses, static neighbors and multicast groups.
func Build(cfg *config.GlobalConfig, disp stack.Dispatcher) (*stack.Stack, map[string]device.ID, error) {
	scfg := stack.DefaultConfig()
	scfg.IGMP = cfg.IGMP
	scfg.MLD = cfg.MLD
	scfg.ARP = cfg.ARP
	s := stack.New(scfg, disp)

	devices := make(map[string]device.ID, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		dev := s.AddEthernetDevice(dc.MAC, dc.MTU)
		devices[dc.Name] = dev

		for _, p := range []netip.Prefix{dc.IPv4, dc.IPv6} {
			if !p.IsValid() {
				continue
			}
			if err := s.SetAddr(dev, p); err != nil {
				return nil, nil, fmt.Errorf("device %s: set address %s: %w", dc.Name, p, err)
			}
		}
		for _, n := range dc.Neighbors {
			if err := s.AddStaticNeighbor(dev, n.IP, n.MAC); err != nil {
				return nil, nil, fmt.Errorf("device %s: neighbor %s: %w", dc.Name, n.IP, err)
			}
		}
		for _, g := range dc.Groups {
			if err := s.JoinGroup(dev, g); err != nil {
				return nil, nil, fmt.Errorf("device %s: join %s: %w", dc.Name, g, err)
			}
		}

		slog.Info("device configured",
			"name", dc.Name,
			core.LabelDevice, dev,
			"mac", dc.MAC.String(),
			"mtu", dc.MTU,
			"groups", len(dc.Groups))
	}

	s.OnEchoReply(func(dev device.ID, src netip.Addr, idSeq wire.IDSeq, data []byte) {
		slog.Info("echo reply received",
			core.LabelDevice, dev,
			core.LabelIPSrc, src,
			"id", idSeq.ID(),
			"seq", idSeq.Seq(),
			"bytes", len(data))
	})
	return s, devices, nil
}

// ioDevice returns the device frame I/O is attached to.
func ioDevice(cfg *config.GlobalConfig, devices map[string]device.ID) (config.DeviceConfig, device.ID, error) {
	if len(cfg.Devices) == 0 {
		return config.DeviceConfig{}, device.ID{}, fmt.Errorf("no devices configured: %w", core.ErrDeviceNotFound)
	}
	dc := cfg.Devices[0]
	if cfg.IO.Device != "" {
		for _, d := range cfg.Devices {
			if d.Name == cfg.IO.Device {
				dc = d
			}
		}
	}
	dev, ok := devices[dc.Name]
	if !ok {
		return config.DeviceConfig{}, device.ID{}, fmt.Errorf("device %s: %w", dc.Name, core.ErrDeviceNotFound)
	}
	return dc, dev, nil
}
