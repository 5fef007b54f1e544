// Package firmware simulates the UEFI boot-time environment a loader runs
// in: a memory map over guest RAM, page and pool allocation, a boot volume,
// a graphics output and the final ExitBootServices transition.
package firmware

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/bringup/internal/efi"
	"github.com/tinyrange/bringup/internal/physmem"
)

const (
	mib = 1 << 20

	// MinMemorySize leaves room for the firmware's own reservations at the
	// top of RAM.
	MinMemorySize = 16 * mib

	legacyHoleStart = 0xa0000
	legacyHoleEnd   = 0x100000
)

// Display is the single mode the graphics output reports.
type Display struct {
	Width             uint32
	Height            uint32
	PixelsPerScanLine uint32
	Format            efi.PixelFormat
	FrameBufferBase   uint64
}

func (d Display) enabled() bool { return d.Width != 0 && d.Height != 0 }

func (d Display) stride() uint32 {
	if d.PixelsPerScanLine != 0 {
		return d.PixelsPerScanLine
	}
	return d.Width
}

// FrameBufferSize returns the mapped size of the frame buffer.
func (d Display) FrameBufferSize() uint64 {
	size := uint64(d.stride()) * uint64(d.Height) * 4
	return (size + efi.PageSize - 1) &^ (efi.PageSize - 1)
}

type Config struct {
	MemoryBase uint64
	MemorySize uint64
	// DescriptorSize is the memory map stride. Zero selects
	// DefaultDescriptorSize.
	DescriptorSize uint64
	Display        Display

	// Identity and Executable are forwarded to physmem so native code can
	// run from guest RAM at its physical address.
	Identity   bool
	Executable bool
}

// Platform owns guest memory and the boot services that manage it.
type Platform struct {
	bus         *physmem.Bus
	ram         *physmem.RAM
	frameBuffer *physmem.RAM
	boot        *BootServices
	system      *efi.System
}

// New builds a platform. conOut receives everything written to the firmware
// console; it may be nil.
func New(cfg Config, volume Volume, conOut io.Writer) (*Platform, error) {
	if cfg.MemorySize < MinMemorySize {
		return nil, fmt.Errorf("memory size %#x below minimum %#x", cfg.MemorySize, MinMemorySize)
	}
	if cfg.MemoryBase%efi.PageSize != 0 || cfg.MemorySize%efi.PageSize != 0 {
		return nil, fmt.Errorf("memory [%#x, +%#x) is not page aligned", cfg.MemoryBase, cfg.MemorySize)
	}
	if conOut == nil {
		conOut = io.Discard
	}

	p := &Platform{bus: &physmem.Bus{}}
	opts := physmem.Options{Identity: cfg.Identity, Executable: cfg.Executable}

	ram, err := physmem.NewRAM("ram", cfg.MemoryBase, cfg.MemorySize, opts)
	if err != nil {
		return nil, fmt.Errorf("allocate guest RAM: %w", err)
	}
	p.ram = ram
	if err := p.bus.Map(ram); err != nil {
		p.Close()
		return nil, err
	}

	var gop efi.GraphicsOutput
	if cfg.Display.enabled() {
		fb, err := physmem.NewRAM("framebuffer", cfg.Display.FrameBufferBase, cfg.Display.FrameBufferSize(),
			physmem.Options{Identity: cfg.Identity})
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("allocate frame buffer: %w", err)
		}
		if err := p.bus.Map(fb); err != nil {
			fb.Close()
			p.Close()
			return nil, fmt.Errorf("map frame buffer: %w", err)
		}
		p.frameBuffer = fb
		gop = &GraphicsOutput{mode: efi.GraphicsMode{
			MaxMode: 1,
			Mode:    0,
			Info: efi.ModeInformation{
				HorizontalResolution: cfg.Display.Width,
				VerticalResolution:   cfg.Display.Height,
				PixelFormat:          cfg.Display.Format,
				PixelsPerScanLine:    cfg.Display.stride(),
			},
			FrameBufferBase: fb.Base(),
			FrameBufferSize: fb.Size(),
		}}
	}

	p.boot = newBootServices(initialMemoryMap(cfg.MemoryBase, cfg.MemorySize), cfg.DescriptorSize)
	p.boot.volume = volume
	p.boot.gop = gop
	p.system = &efi.System{
		ConOut:       conOut,
		BootServices: p.boot,
		Memory:       p.bus,
	}

	slog.Debug("firmware: platform ready",
		"ram", fmt.Sprintf("[%#x, %#x)", ram.Base(), ram.End()),
		"display", cfg.Display.enabled())
	return p, nil
}

// initialMemoryMap lays out RAM the way OVMF leaves it when an application
// starts: the legacy hole below 1 MiB, firmware code and data near the top,
// and a runtime region in the last megabyte.
func initialMemoryMap(base, size uint64) []efi.MemoryDescriptor {
	top := base + size
	var descs []efi.MemoryDescriptor
	add := func(typ efi.MemoryType, start, end uint64, attr uint64) {
		if end <= start {
			return
		}
		descs = append(descs, efi.MemoryDescriptor{
			Type:          typ,
			PhysicalStart: start,
			NumberOfPages: (end - start) / efi.PageSize,
			Attribute:     attr,
		})
	}

	low := base
	if base == 0 {
		add(efi.BootServicesData, 0, efi.PageSize, ramAttributes)
		add(efi.ConventionalMemory, efi.PageSize, legacyHoleStart, ramAttributes)
		add(efi.ReservedMemoryType, legacyHoleStart, legacyHoleEnd, ramAttributes)
		low = legacyHoleEnd
	}
	add(efi.ConventionalMemory, low, top-8*mib, ramAttributes)
	add(efi.BootServicesCode, top-8*mib, top-6*mib, ramAttributes)
	add(efi.BootServicesData, top-6*mib, top-4*mib, ramAttributes)
	add(efi.LoaderCode, top-4*mib, top-4*mib+0x10000, ramAttributes)
	add(efi.ConventionalMemory, top-4*mib+0x10000, top-mib, ramAttributes)
	add(efi.RuntimeServicesData, top-mib, top, ramAttributes|efi.MemoryRuntime)
	return descs
}

// System returns the table handed to the loader.
func (p *Platform) System() *efi.System { return p.system }

func (p *Platform) BootServices() *BootServices { return p.boot }

// Bus is physical memory as seen by the CPU after boot services end.
func (p *Platform) Bus() *physmem.Bus { return p.bus }

// FrameBuffer returns the frame buffer region, or nil without a display.
func (p *Platform) FrameBuffer() *physmem.RAM { return p.frameBuffer }

func (p *Platform) Close() error {
	return p.bus.Close()
}

// GraphicsOutput reports a fixed mode.
type GraphicsOutput struct {
	mode efi.GraphicsMode
}

var _ efi.GraphicsOutput = (*GraphicsOutput)(nil)

func (g *GraphicsOutput) Mode() efi.GraphicsMode { return g.mode }
