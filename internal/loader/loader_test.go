package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/bringup/internal/efi"
	"github.com/tinyrange/bringup/internal/elfimage"
	"github.com/tinyrange/bringup/internal/firmware"
	"github.com/tinyrange/bringup/internal/handoff"
	"github.com/tinyrange/bringup/internal/physmem"
)

func scenarioHeaders() []ProgramHeader {
	return []ProgramHeader{
		{Type: elf.PT_PHDR, VirtAddr: 0x40, MemSize: 0x1000},
		{Type: elf.PT_LOAD, Offset: 0, VirtAddr: 0x100000, FileSize: 0x10, MemSize: 0x20},
		{Type: elf.PT_LOAD, Offset: 0x1000, VirtAddr: 0x200000, FileSize: 0x8, MemSize: 0x8},
	}
}

func TestCalcLoadAddressRange(t *testing.T) {
	headers := scenarioHeaders()
	r := CalcLoadAddressRange(headers)
	if r != (LoadRange{First: 0x100000, Last: 0x200008}) {
		t.Fatalf("range = %s", r)
	}
	if r.Pages() != 0x101 {
		t.Fatalf("pages = %#x, want 0x101", r.Pages())
	}

	reversed := []ProgramHeader{headers[2], headers[1], headers[0]}
	if got := CalcLoadAddressRange(reversed); got != r {
		t.Fatalf("range depends on header order: %s vs %s", got, r)
	}

	if CalcLoadAddressRange(headers[:1]).Valid() {
		t.Fatal("range without PT_LOAD must be invalid")
	}
	if CalcLoadAddressRange(nil).Pages() != 0 {
		t.Fatal("invalid range has pages")
	}
}

func TestLoadRangeUnalignedFirst(t *testing.T) {
	r := LoadRange{First: 0x100800, Last: 0x101800}
	if r.Base() != 0x100000 || r.Pages() != 2 {
		t.Fatalf("base %#x pages %d, want 0x100000 and 2", r.Base(), r.Pages())
	}
}

func TestCopyLoadSegments(t *testing.T) {
	image := make([]byte, 0x1008)
	for i := range 0x10 {
		image[i] = byte(0xa0 + i)
	}
	copy(image[0x1000:], "SEGMENT2")

	ram, err := physmem.NewRAM("test", 0x100000, 0x101000, physmem.Options{})
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	defer ram.Close()
	for i := range ram.Bytes() {
		ram.Bytes()[i] = 0xff
	}

	headers := scenarioHeaders()
	for _, order := range [][]ProgramHeader{headers, {headers[2], headers[0], headers[1]}} {
		if err := CopyLoadSegments(ram, image, order); err != nil {
			t.Fatalf("CopyLoadSegments: %v", err)
		}
		got, _ := ram.Slice(0x100000, 0x20)
		if !bytes.Equal(got[:0x10], image[:0x10]) {
			t.Fatalf("file bytes = % x", got[:0x10])
		}
		if !bytes.Equal(got[0x10:], make([]byte, 0x10)) {
			t.Fatalf("[0x100010, 0x100020) not zeroed: % x", got[0x10:])
		}
		seg2, _ := ram.Slice(0x200000, 8)
		if string(seg2) != "SEGMENT2" {
			t.Fatalf("second segment = %q", seg2)
		}
	}
	tail, _ := ram.Slice(0x100020, 1)
	if tail[0] != 0xff {
		t.Fatal("bytes past MemSize were touched")
	}
}

func TestCopyLoadSegmentsLargeBSS(t *testing.T) {
	ram, err := physmem.NewRAM("test", 0x100000, 0x10000, physmem.Options{})
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	defer ram.Close()
	for i := range ram.Bytes() {
		ram.Bytes()[i] = 0xff
	}
	headers := []ProgramHeader{{Type: elf.PT_LOAD, VirtAddr: 0x100000, MemSize: 0x9001}}
	if err := CopyLoadSegments(ram, nil, headers); err != nil {
		t.Fatalf("CopyLoadSegments: %v", err)
	}
	if !bytes.Equal(ram.Bytes()[:0x9001], make([]byte, 0x9001)) {
		t.Fatal("bss not fully zeroed")
	}
	if ram.Bytes()[0x9001] != 0xff {
		t.Fatal("zeroed past MemSize")
	}
}

func TestParseImage(t *testing.T) {
	img, err := ParseImage(elfimage.Kernel(0x100000, []byte{0xf4}, 0x1000))
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if img.Entry != 0x101000 || img.ProgramHeaderOffset != 64 {
		t.Fatalf("image = %+v", img)
	}
	if r := CalcLoadAddressRange(img.ProgramHeaders); r.First != 0x100000 || r.Last != 0x103000 {
		t.Fatalf("range = %s", r)
	}

	if _, err := ParseImage([]byte("not an elf file at all, clearly")); err == nil {
		t.Fatal("expected error for garbage")
	}

	b := &elfimage.Builder{Entry: 0x100000}
	b.Progs = []elf.ProgHeader{{Type: elf.PT_LOAD, Vaddr: 0x100000, Filesz: 0x20, Memsz: 0x10}}
	if _, err := ParseImage(b.Bytes()); err == nil {
		t.Fatal("expected error for FileSize > MemSize")
	}
}

func TestSaveMemoryMap(t *testing.T) {
	m := efi.NewMemoryMap(256)
	descs := []efi.MemoryDescriptor{
		{Type: efi.ConventionalMemory, PhysicalStart: 0x1000, NumberOfPages: 0x9f, Attribute: 0xf},
		{Type: efi.RuntimeServicesData, PhysicalStart: 0x3f00000, NumberOfPages: 0x100, Attribute: efi.MemoryRuntime | 0xf},
	}
	for i, d := range descs {
		d.MarshalTo(m.Buffer[i*48:])
	}
	m.MapSize = 96
	m.DescriptorSize = 48

	var buf bytes.Buffer
	if err := SaveMemoryMap(&buf, m); err != nil {
		t.Fatalf("SaveMemoryMap: %v", err)
	}
	want := "Index, Type, Type(name), PhysicalStart, NumberOfPages, Attribute\n" +
		"0, 7, EfiConventionalMemory, 00001000, 9f, f\n" +
		"1, 6, EfiRuntimeServicesData, 03f00000, 100, f\n"
	if buf.String() != want {
		t.Fatalf("memmap:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestGetMemoryMapWithoutBuffer(t *testing.T) {
	var m efi.MemoryMap
	if err := GetMemoryMap(nil, &m); !errors.Is(err, efi.BufferTooSmall) {
		t.Fatalf("err = %v, want BufferTooSmall", err)
	}
}

type bootEnv struct {
	platform *firmware.Platform
	volume   *firmware.MemVolume
	cpu      *firmware.CPU
	console  *bytes.Buffer
	kernel   []handoff.DisplayDescriptor
}

func newBootEnv(t *testing.T, format efi.PixelFormat) *bootEnv {
	t.Helper()
	env := &bootEnv{
		volume:  firmware.NewMemVolume(),
		cpu:     firmware.NewCPU(),
		console: &bytes.Buffer{},
	}
	p, err := firmware.New(firmware.Config{
		MemorySize: 32 << 20,
		Display: firmware.Display{
			Width:           800,
			Height:          600,
			Format:          format,
			FrameBufferBase: 0x8000_0000,
		},
	}, env.volume, env.console)
	if err != nil {
		t.Fatalf("firmware.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	env.platform = p
	env.cpu.Install(0x101000, func(desc handoff.DisplayDescriptor) {
		env.kernel = append(env.kernel, desc)
	})
	return env
}

func (e *bootEnv) boot() error {
	return New(e.platform.System(), e.cpu, DefaultConfig()).Run()
}

func (e *bootEnv) assertScratchFreed(t *testing.T) {
	t.Helper()
	if _, pools := e.platform.BootServices().Outstanding(); pools != 0 {
		t.Fatalf("%d pool allocations outstanding", pools)
	}
}

func stageOf(t *testing.T, err error) string {
	t.Helper()
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StageError", err)
	}
	return se.Op
}

func TestBoot(t *testing.T) {
	env := newBootEnv(t, efi.PixelBlueGreenRedReserved8BitPerColor)
	env.volume.Put(`\kernel.elf`, elfimage.Kernel(0x100000, []byte{0xf4, 0xeb, 0xfd}, 0x4000))

	if err := env.boot(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(env.kernel) != 1 {
		t.Fatalf("kernel entered %d times", len(env.kernel))
	}
	want := handoff.DisplayDescriptor{
		FrameBufferBase:      0x8000_0000,
		PixelsPerScanLine:    800,
		HorizontalResolution: 800,
		VerticalResolution:   600,
		PixelFormat:          handoff.PixelBGRResv8BitPerColor,
	}
	if env.kernel[0] != want {
		t.Fatalf("descriptor = %+v, want %+v", env.kernel[0], want)
	}
	if !env.platform.BootServices().Exited() {
		t.Fatal("boot services still running")
	}
	env.assertScratchFreed(t)

	bss, err := env.platform.Bus().Slice(0x102000, 0x4000)
	if err != nil {
		t.Fatalf("bss: %v", err)
	}
	if !bytes.Equal(bss, make([]byte, 0x4000)) {
		t.Fatal("bss not zeroed")
	}
	text, _ := env.platform.Bus().Slice(0x101000, 3)
	if !bytes.Equal(text, []byte{0xf4, 0xeb, 0xfd}) {
		t.Fatalf("text = % x", text)
	}

	memmap, ok := env.volume.Get(`\memmap`)
	if !ok || !strings.HasPrefix(string(memmap), memoryMapHeader) {
		t.Fatalf("memmap file = %q", memmap)
	}
	if !strings.Contains(env.console.String(), "Kernel: 0x100000 - 0x106000") {
		t.Fatalf("console output missing load range:\n%s", env.console.String())
	}
}

func TestBootRetriesStaleMapKeyOnce(t *testing.T) {
	env := newBootEnv(t, efi.PixelRedGreenBlueReserved8BitPerColor)
	env.volume.Put(`\kernel.elf`, elfimage.Kernel(0x100000, []byte{0xf4}, 0))
	env.platform.BootServices().SetPendingEvents(1)

	if err := env.boot(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(env.kernel) != 1 || env.kernel[0].PixelFormat != handoff.PixelRGBResv8BitPerColor {
		t.Fatalf("kernel entries = %+v", env.kernel)
	}
}

type exitRecorder struct {
	efi.BootServices
	keys []uint64
}

func (r *exitRecorder) ExitBootServices(mapKey uint64) error {
	r.keys = append(r.keys, mapKey)
	return r.BootServices.ExitBootServices(mapKey)
}

func TestBootRefreshesKeyStaledByOwnAllocations(t *testing.T) {
	env := newBootEnv(t, efi.PixelRedGreenBlueReserved8BitPerColor)
	env.volume.Put(`\kernel.elf`, elfimage.Kernel(0x100000, []byte{0xf4}, 0))
	initial := env.platform.BootServices().MapKey()

	sys := *env.platform.System()
	rec := &exitRecorder{BootServices: sys.BootServices}
	sys.BootServices = rec
	if err := New(&sys, env.cpu, DefaultConfig()).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.keys) != 2 {
		t.Fatalf("ExitBootServices called %d times, want 2", len(rec.keys))
	}
	if rec.keys[0] != initial {
		t.Fatalf("first exit used key %d, want boot-time key %d", rec.keys[0], initial)
	}
	if rec.keys[1] == initial {
		t.Fatal("retry reused the stale key")
	}
	if len(env.kernel) != 1 {
		t.Fatalf("kernel entered %d times", len(env.kernel))
	}
}

func TestBootSecondStaleMapKeyIsFatal(t *testing.T) {
	env := newBootEnv(t, efi.PixelRedGreenBlueReserved8BitPerColor)
	env.volume.Put(`\kernel.elf`, elfimage.Kernel(0x100000, []byte{0xf4}, 0))
	env.platform.BootServices().SetPendingEvents(2)

	err := env.boot()
	if op := stageOf(t, err); op != "exit boot services" {
		t.Fatalf("op = %q", op)
	}
	if !errors.Is(err, efi.InvalidParameter) {
		t.Fatalf("err = %v, want InvalidParameter", err)
	}
	if len(env.kernel) != 0 {
		t.Fatal("kernel entered after failed exit")
	}
	if !env.cpu.Halted() {
		t.Fatal("cpu not halted")
	}
	env.assertScratchFreed(t)
	if !strings.Contains(env.console.String(), "exit boot services: Invalid Parameter") {
		t.Fatalf("diagnostic missing:\n%s", env.console.String())
	}
}

func TestBootFailures(t *testing.T) {
	noLoad := &elfimage.Builder{Entry: 0x100000}
	noLoad.Progs = []elf.ProgHeader{{Type: elf.PT_NOTE}}

	tests := []struct {
		name   string
		format efi.PixelFormat
		kernel []byte
		op     string
		is     error
	}{
		{name: "missing kernel", op: `open file '\kernel.elf'`, is: efi.NotFound},
		{name: "bitmask display", format: efi.PixelBitMask, kernel: elfimage.Kernel(0x100000, nil, 0), op: "unsupported pixel format", is: handoff.ErrUnsupportedPixelFormat},
		{name: "garbage", kernel: []byte("this is not an executable"), op: "parse kernel"},
		{name: "no load segments", kernel: noLoad.Bytes(), op: "compute load range", is: ErrNoLoadSegments},
		{name: "linked into legacy hole", kernel: elfimage.Kernel(0xb0000, nil, 0), op: "allocate pages", is: efi.NotFound},
		{name: "linked past RAM", kernel: elfimage.Kernel(0x4000_0000, nil, 0), op: "allocate pages", is: efi.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newBootEnv(t, tt.format)
			if tt.kernel != nil {
				env.volume.Put(`\kernel.elf`, tt.kernel)
			}
			err := env.boot()
			if op := stageOf(t, err); op != tt.op {
				t.Fatalf("op = %q, want %q (err %v)", op, tt.op, err)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("err = %v, want %v", err, tt.is)
			}
			if !env.cpu.Halted() {
				t.Fatal("cpu not halted")
			}
			if env.platform.BootServices().Exited() {
				t.Fatal("boot services terminated on a failed boot")
			}
			env.assertScratchFreed(t)
		})
	}
}

type returningCPU struct {
	entry  uint64
	halted bool
}

func (c *returningCPU) Jump(entry uint64, desc handoff.DisplayDescriptor) error {
	c.entry = entry
	return nil
}

func (c *returningCPU) Halt() { c.halted = true }

func TestKernelReturnHalts(t *testing.T) {
	env := newBootEnv(t, efi.PixelRedGreenBlueReserved8BitPerColor)
	env.volume.Put(`\kernel.elf`, elfimage.Kernel(0x100000, []byte{0xc3}, 0))

	cpu := &returningCPU{}
	err := New(env.platform.System(), cpu, DefaultConfig()).Run()
	if !errors.Is(err, ErrKernelReturned) {
		t.Fatalf("err = %v, want ErrKernelReturned", err)
	}
	if cpu.entry != 0x101000 {
		t.Fatalf("entry = %#x, want value read from first+24", cpu.entry)
	}
	if !cpu.halted {
		t.Fatal("cpu not halted after kernel returned")
	}
}
