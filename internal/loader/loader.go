// Package loader reads a kernel ELF from the boot volume, places its
// segments at their linked addresses, leaves boot services and jumps to the
// kernel with a description of the frame buffer.
package loader

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/bringup/internal/efi"
	"github.com/tinyrange/bringup/internal/handoff"
)

var ErrKernelReturned = errors.New("kernel returned")

// StageError names the boot step that failed.
type StageError struct {
	Op  string
	Err error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

func stage(op string, err error) error { return &StageError{Op: op, Err: err} }

// Config names the files the loader touches on the boot volume.
type Config struct {
	KernelPath string
	MemmapPath string
}

func DefaultConfig() Config {
	return Config{
		KernelPath: `\kernel.elf`,
		MemmapPath: `\memmap`,
	}
}

type Loader struct {
	sys *efi.System
	cpu handoff.CPU
	cfg Config
}

func New(sys *efi.System, cpu handoff.CPU, cfg Config) *Loader {
	if cfg.KernelPath == "" {
		cfg.KernelPath = DefaultConfig().KernelPath
	}
	if cfg.MemmapPath == "" {
		cfg.MemmapPath = DefaultConfig().MemmapPath
	}
	return &Loader{sys: sys, cpu: cpu, cfg: cfg}
}

func (l *Loader) printf(format string, args ...any) {
	if l.sys.ConOut == nil {
		return
	}
	fmt.Fprintf(l.sys.ConOut, format, args...)
}

// Run boots the kernel. On failure it prints the failing step to the
// console and halts the CPU. A kernel that ran to its final halt is not an
// error.
func (l *Loader) Run() error {
	err := l.Boot()
	if errors.Is(err, handoff.ErrHalted) {
		return nil
	}
	l.printf("%v\r\n", err)
	slog.Error("loader: boot failed", "err", err)
	l.cpu.Halt()
	return err
}

// Boot performs the boot sequence. It only returns on failure or when the
// CPU reports the kernel halted.
func (l *Loader) Boot() error {
	bs := l.sys.BootServices
	l.printf("Hello, bringup loader!\r\n")

	memmap := efi.NewMemoryMap(MemoryMapBufferSize)
	if err := GetMemoryMap(bs, memmap); err != nil {
		return stage("get memory map", err)
	}
	slog.Debug("loader: memory map",
		"descriptors", memmap.Len(),
		"map_size", memmap.MapSize,
		"descriptor_size", memmap.DescriptorSize,
		"map_key", memmap.MapKey)

	root, err := bs.OpenVolume()
	if err != nil {
		return stage("open root directory", err)
	}
	if err := l.saveMemoryMap(root, memmap); err != nil {
		root.Close()
		return err
	}

	desc, err := l.openDisplay()
	if err != nil {
		root.Close()
		return err
	}

	scratch, size, err := l.readKernel(root)
	if err != nil {
		root.Close()
		return err
	}
	scratchLive := true
	defer func() {
		if scratchLive {
			if err := bs.FreePool(scratch); err != nil {
				slog.Warn("loader: free kernel scratch", "err", err)
			}
		}
	}()

	if err := root.Close(); err != nil {
		return stage("close root directory", err)
	}

	r, err := l.loadKernel(scratch, size)
	if err != nil {
		return err
	}

	if err := bs.FreePool(scratch); err != nil {
		return stage("free pool", err)
	}
	scratchLive = false

	if err := l.exitBootServices(memmap); err != nil {
		return err
	}

	entry, err := ReadEntryAddress(l.sys.Memory, r.First)
	if err != nil {
		return stage("read entry point", err)
	}
	slog.Info("loader: jumping to kernel", "entry", fmt.Sprintf("%#x", entry))

	if err := l.cpu.Jump(entry, desc); err != nil {
		if errors.Is(err, handoff.ErrHalted) {
			return err
		}
		return stage("jump to kernel", err)
	}
	return stage("jump to kernel", ErrKernelReturned)
}

func (l *Loader) saveMemoryMap(root efi.File, memmap *efi.MemoryMap) error {
	f, err := root.Open(l.cfg.MemmapPath, efi.FileModeRead|efi.FileModeWrite|efi.FileModeCreate)
	if err != nil {
		return stage(fmt.Sprintf("open file '%s'", l.cfg.MemmapPath), err)
	}
	if err := SaveMemoryMap(f, memmap); err != nil {
		f.Close()
		return stage("save memory map", err)
	}
	if err := f.Close(); err != nil {
		return stage("close memory map", err)
	}
	return nil
}

func (l *Loader) openDisplay() (handoff.DisplayDescriptor, error) {
	gop, err := l.sys.BootServices.LocateGraphicsOutput()
	if err != nil {
		return handoff.DisplayDescriptor{}, stage("open GOP", err)
	}
	mode := gop.Mode()
	l.printf("Resolution: %dx%d, Pixel Format: %s, %d pixels/line\r\n",
		mode.Info.HorizontalResolution, mode.Info.VerticalResolution,
		mode.Info.PixelFormat, mode.Info.PixelsPerScanLine)
	l.printf("Frame Buffer: 0x%x - 0x%x, Size: %d bytes\r\n",
		mode.FrameBufferBase, mode.FrameBufferBase+mode.FrameBufferSize, mode.FrameBufferSize)

	desc, err := handoff.NewDisplayDescriptor(mode)
	if err != nil {
		return handoff.DisplayDescriptor{}, stage("unsupported pixel format", err)
	}
	return desc, nil
}

// readKernel reads the kernel file into a pool allocation sized to the
// file length and returns its address. The caller owns the allocation.
func (l *Loader) readKernel(root efi.File) (uint64, uint64, error) {
	bs := l.sys.BootServices
	f, err := root.Open(l.cfg.KernelPath, efi.FileModeRead)
	if err != nil {
		return 0, 0, stage(fmt.Sprintf("open file '%s'", l.cfg.KernelPath), err)
	}
	defer f.Close()

	info, err := f.Info()
	if err != nil {
		return 0, 0, stage("get file information", err)
	}
	size := info.FileSize

	scratch, err := bs.AllocatePool(efi.LoaderData, size)
	if err != nil {
		return 0, 0, stage("allocate pool", err)
	}
	buf, err := l.sys.Memory.Slice(scratch, size)
	if err == nil {
		err = readFull(f, buf)
	}
	if err != nil {
		if ferr := bs.FreePool(scratch); ferr != nil {
			slog.Warn("loader: free kernel scratch", "err", ferr)
		}
		return 0, 0, stage("read kernel", err)
	}
	slog.Debug("loader: kernel read", "path", l.cfg.KernelPath, "size", size, "scratch", fmt.Sprintf("%#x", scratch))
	return scratch, size, nil
}

func readFull(f efi.File, buf []byte) error {
	for len(buf) > 0 {
		n, err := f.Read(buf)
		buf = buf[n:]
		if err != nil {
			if len(buf) == 0 {
				return nil
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("short read: %d bytes missing", len(buf))
		}
	}
	return nil
}

// loadKernel reserves the load range at its linked address and copies the
// segments out of the scratch buffer.
func (l *Loader) loadKernel(scratch, size uint64) (LoadRange, error) {
	image, err := l.sys.Memory.Slice(scratch, size)
	if err != nil {
		return LoadRange{}, stage("read kernel", err)
	}
	img, err := ParseImage(image)
	if err != nil {
		return LoadRange{}, stage("parse kernel", err)
	}
	r := CalcLoadAddressRange(img.ProgramHeaders)
	if !r.Valid() {
		return LoadRange{}, stage("compute load range", ErrNoLoadSegments)
	}

	if _, err := l.sys.BootServices.AllocatePages(efi.AllocateAddress, efi.LoaderData, r.Pages(), r.Base()); err != nil {
		return LoadRange{}, stage("allocate pages", err)
	}
	if err := CopyLoadSegments(l.sys.Memory, image, img.ProgramHeaders); err != nil {
		return LoadRange{}, stage("copy segments", err)
	}
	l.printf("Kernel: %s\r\n", r)
	slog.Info("loader: kernel placed", "first", fmt.Sprintf("%#x", r.First), "last", fmt.Sprintf("%#x", r.Last), "pages", r.Pages())
	return r, nil
}

// exitBootServices terminates boot services with the key of the map taken
// at the start of boot. The loader's own allocations, or a firmware event,
// may have moved the key since, so a rejected key is refreshed and retried
// exactly once.
func (l *Loader) exitBootServices(memmap *efi.MemoryMap) error {
	bs := l.sys.BootServices
	err := bs.ExitBootServices(memmap.MapKey)
	if err == nil {
		return nil
	}
	slog.Info("loader: memory map key stale, retrying", "key", memmap.MapKey, "err", err)
	if err := GetMemoryMap(bs, memmap); err != nil {
		return stage("get memory map", err)
	}
	if err := bs.ExitBootServices(memmap.MapKey); err != nil {
		return stage("exit boot services", err)
	}
	return nil
}
