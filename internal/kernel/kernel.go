// Package kernel is the kernel body entered from the loader. It takes over
// the frame buffer, brings up a text console and a logger, enumerates PCI
// and locates the USB host controller.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/bringup/internal/handoff"
	"github.com/tinyrange/bringup/internal/kernel/arena"
	"github.com/tinyrange/bringup/internal/kernel/console"
	"github.com/tinyrange/bringup/internal/kernel/graphics"
	"github.com/tinyrange/bringup/internal/pci"
)

// IntelVendorID is preferred when several xHCI controllers are present.
const IntelVendorID = 0x8086

// Memory is physical memory as the kernel sees it.
type Memory interface {
	Slice(addr, size uint64) ([]byte, error)
}

type Config struct {
	Memory Memory
	Ports  pci.PortIO
	// Mirror receives a copy of the console output.
	Mirror   io.Writer
	LogLevel slog.Level
}

// XHC is the USB host controller the kernel found.
type XHC struct {
	Device   pci.Device
	VendorID uint16
	BAR0     uint64
	MMIOBase uint64
}

type Kernel struct {
	cfg Config

	pixelWriterSlot arena.Slot[graphics.FrameBuffer]
	consoleSlot     arena.Slot[console.Console]

	pixelWriter arena.Handle[graphics.FrameBuffer]
	console     arena.Handle[console.Console]
	logLevel    slog.LevelVar
	logger      *slog.Logger

	devices []pci.Device
	scanErr error
	xhc     *XHC
}

func New(cfg Config) *Kernel {
	k := &Kernel{cfg: cfg}
	k.logLevel.Set(cfg.LogLevel)
	return k
}

// Main is the kernel entry point. On hardware it never returns; here it
// returns when the kernel would enter its halt loop.
func (k *Kernel) Main(desc handoff.DisplayDescriptor) {
	if err := k.run(desc); err != nil {
		if k.logger != nil {
			k.logger.Error("kernel halted", "err", err)
		} else {
			slog.Error("kernel: halted before console", "err", err)
		}
	}
}

func (k *Kernel) run(desc handoff.DisplayDescriptor) error {
	buf, err := k.cfg.Memory.Slice(desc.FrameBufferBase, desc.FrameBufferSize())
	if err != nil {
		return fmt.Errorf("map frame buffer: %w", err)
	}
	fb, err := graphics.NewFrameBuffer(buf, desc)
	if err != nil {
		return err
	}
	if k.pixelWriter, err = k.pixelWriterSlot.Construct(fb); err != nil {
		return fmt.Errorf("pixel writer: %w", err)
	}
	graphics.DrawDesktop(k.pixelWriter.Get())

	k.console, err = k.consoleSlot.ConstructFunc(func(c *console.Console) error {
		c.Init(k.cfg.Mirror)
		return nil
	})
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	con := k.console.Get()
	k.logger = slog.New(slog.NewTextHandler(con, &slog.HandlerOptions{
		Level: &k.logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))

	con.Printk("Welcome to the bringup kernel!\n")
	con.Printk("Display: %dx%d %s\n", desc.HorizontalResolution, desc.VerticalResolution, desc.PixelFormat)

	k.scanPCI()
	k.findXHC()
	return nil
}

func (k *Kernel) scanPCI() {
	if k.cfg.Ports == nil {
		k.scanErr = errors.New("no configuration space ports")
		k.logger.Warn("pci: skipping scan", "err", k.scanErr)
		return
	}
	cfg := pci.NewConfig(k.cfg.Ports)
	table := pci.NewTable(pci.DefaultCapacity)
	k.scanErr = cfg.ScanAllBus(table)
	k.logger.Debug("ScanAllBus", "err", k.scanErr, "devices", table.Len())
	if k.scanErr != nil {
		k.logger.Warn("pci: enumeration incomplete", "err", k.scanErr)
	}

	k.devices = table.Devices()
	con := k.console.Get()
	for _, dev := range k.devices {
		con.Printk("%s: vend %04x, class %s, head %02x\n",
			dev, cfg.VendorID(dev), dev.ClassCode, dev.HeaderType)
	}
}

func (k *Kernel) findXHC() {
	if k.cfg.Ports == nil {
		return
	}
	cfg := pci.NewConfig(k.cfg.Ports)

	var found *pci.Device
	for i := range k.devices {
		dev := &k.devices[i]
		if !dev.ClassCode.MatchInterface(pci.ClassUSBXHCI.Base, pci.ClassUSBXHCI.Sub, pci.ClassUSBXHCI.Interface) {
			continue
		}
		if found == nil {
			found = dev
		}
		if cfg.VendorID(*dev) == IntelVendorID {
			found = dev
			break
		}
	}
	if found == nil {
		k.logger.Info("xHC has not been found")
		return
	}

	xhc := &XHC{Device: *found, VendorID: cfg.VendorID(*found)}
	k.logger.Info("xHC has been found", "device", found.String(), "vendor", fmt.Sprintf("%04x", xhc.VendorID))

	bar, err := cfg.ReadBar(*found, 0)
	k.logger.Debug("ReadBar", "err", err)
	if err != nil {
		k.logger.Error("xHC BAR0 unavailable", "err", err)
		return
	}
	xhc.BAR0 = bar
	xhc.MMIOBase = pci.MMIOBase(bar)
	k.logger.Debug("xHC mmio_base", "addr", fmt.Sprintf("%08x", xhc.MMIOBase))
	k.xhc = xhc
}

// SetLogLevel changes the console log threshold.
func (k *Kernel) SetLogLevel(level slog.Level) { k.logLevel.Set(level) }

// Logger returns the console logger, or nil before the console exists.
func (k *Kernel) Logger() *slog.Logger { return k.logger }

// Enabled reports whether the console logger would emit at level.
func (k *Kernel) Enabled(level slog.Level) bool {
	return k.logger != nil && k.logger.Enabled(context.Background(), level)
}

func (k *Kernel) Console() *console.Console { return k.console.Get() }

func (k *Kernel) PixelWriter() *graphics.FrameBuffer { return k.pixelWriter.Get() }

// Devices returns the devices found by the last scan.
func (k *Kernel) Devices() []pci.Device { return k.devices }

// ScanErr returns the error that stopped the last scan, if any.
func (k *Kernel) ScanErr() error { return k.scanErr }

// XHC returns the host controller, if one was found.
func (k *Kernel) XHC() (XHC, bool) {
	if k.xhc == nil {
		return XHC{}, false
	}
	return *k.xhc, true
}

// Shutdown releases the early objects.
func (k *Kernel) Shutdown() error {
	var err error
	if c := k.console.Get(); c != nil {
		err = c.Close()
	}
	k.console.Release()
	k.pixelWriter.Release()
	return err
}
