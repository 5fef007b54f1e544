package platform

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	hostpci "github.com/tinyrange/bringup/internal/devices/amd64/pci"
	"github.com/tinyrange/bringup/internal/efi"
	"github.com/tinyrange/bringup/internal/firmware"
	"github.com/tinyrange/bringup/internal/handoff"
	"github.com/tinyrange/bringup/internal/kernel"
	"github.com/tinyrange/bringup/internal/loader"
)

type Options struct {
	Volume firmware.Volume
	// ConOut receives the firmware console.
	ConOut io.Writer
	// KernelMirror receives a copy of the kernel console.
	KernelMirror   io.Writer
	KernelLogLevel slog.Level
	// Native runs the loaded image as machine code in this process instead
	// of the built-in kernel.
	Native bool
}

// Machine is an assembled platform ready to boot.
type Machine struct {
	Firmware *firmware.Platform
	Host     *hostpci.HostBridge
	CPU      handoff.CPU
	// Kernel is nil for native machines.
	Kernel *kernel.Kernel

	volume firmware.Volume
	sim    *firmware.CPU
}

// HostFunction converts a topology entry for the host bridge.
func (f PCIFunction) HostFunction() hostpci.Function {
	out := hostpci.Function{
		VendorID:  f.VendorID,
		DeviceID:  f.DeviceID,
		Revision:  f.Revision,
		Class:     f.Class,
		Subclass:  f.Subclass,
		ProgIF:    f.ProgIF,
		Interrupt: f.Interrupt,
	}
	if f.Bridge != nil {
		out.Bridge = &hostpci.Bridge{
			Primary:     f.Slot.Bus,
			Secondary:   f.Bridge.Secondary,
			Subordinate: f.Bridge.Subordinate,
		}
	}
	for _, bar := range f.BARs {
		out.BARs = append(out.BARs, hostpci.BAR{
			Index:        bar.Index,
			Address:      bar.Address,
			Size:         bar.Size,
			Is64:         bar.Bits == 64,
			Prefetchable: bar.Prefetchable,
			IO:           bar.IO,
		})
	}
	return out
}

// NewHostBridge builds the PCI topology.
func (c Config) NewHostBridge() (*hostpci.HostBridge, error) {
	hb := hostpci.NewHostBridge()
	for _, f := range c.PCI {
		if err := hb.AddFunction(f.Slot.Bus, f.Slot.Device, f.Slot.Function, f.HostFunction()); err != nil {
			return nil, err
		}
	}
	return hb, nil
}

// firmwareConfig converts the machine description for the firmware.
func (c Config) firmwareConfig(native bool) (firmware.Config, error) {
	format, err := c.Display.Format.EFI()
	if err != nil {
		return firmware.Config{}, err
	}
	cfg := firmware.Config{
		MemorySize:     c.MemoryMB << 20,
		DescriptorSize: c.Firmware.DescriptorSize,
		Display: firmware.Display{
			Width:             c.Display.Width,
			Height:            c.Display.Height,
			PixelsPerScanLine: c.Display.PixelsPerScanLine,
			Format:            format,
			FrameBufferBase:   c.Display.FrameBufferBase,
		},
	}
	if native {
		// Page zero cannot be mapped by a user process.
		cfg.MemoryBase = 1 << 20
		cfg.Identity = true
		cfg.Executable = true
	}
	return cfg, nil
}

// Build assembles the machine.
func (c Config) Build(opts Options) (*Machine, error) {
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	fwCfg, err := c.firmwareConfig(opts.Native)
	if err != nil {
		return nil, err
	}
	hb, err := c.NewHostBridge()
	if err != nil {
		return nil, err
	}
	fw, err := firmware.New(fwCfg, opts.Volume, opts.ConOut)
	if err != nil {
		return nil, err
	}
	fw.BootServices().SetPendingEvents(c.Firmware.PendingEvents)

	m := &Machine{Firmware: fw, Host: hb, volume: opts.Volume}
	if opts.Native {
		cpu, err := handoff.NewNativeCPU()
		if err != nil {
			fw.Close()
			return nil, err
		}
		m.CPU = cpu
		return m, nil
	}

	m.sim = firmware.NewCPU()
	m.CPU = m.sim
	m.Kernel = kernel.New(kernel.Config{
		Memory:   fw.Bus(),
		Ports:    hb,
		Mirror:   opts.KernelMirror,
		LogLevel: opts.KernelLogLevel,
	})
	return m, nil
}

// Boot runs the loader. The built-in kernel is installed at the entry point
// of the image the loader will read, standing in for its machine code.
func (m *Machine) Boot(cfg loader.Config) error {
	if m.sim != nil {
		entry, err := m.imageEntry(cfg.KernelPath)
		if err != nil {
			slog.Debug("platform: kernel image entry unknown", "err", err)
		} else {
			m.sim.Install(entry, m.Kernel.Main)
		}
	}
	return loader.New(m.Firmware.System(), m.CPU, cfg).Run()
}

func (m *Machine) imageEntry(path string) (uint64, error) {
	if m.volume == nil {
		return 0, errors.New("no boot volume")
	}
	if path == "" {
		path = loader.DefaultConfig().KernelPath
	}
	root, err := m.volume.Root()
	if err != nil {
		return 0, err
	}
	defer root.Close()
	f, err := root.Open(path, efi.FileModeRead)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	img, err := loader.ParseImage(data)
	if err != nil {
		return 0, err
	}
	return img.Entry, nil
}

func (m *Machine) Close() error {
	var errs []error
	if m.Kernel != nil {
		errs = append(errs, m.Kernel.Shutdown())
	}
	errs = append(errs, m.Firmware.Close())
	return errors.Join(errs...)
}
