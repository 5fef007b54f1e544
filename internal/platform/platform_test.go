package platform

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/bringup/internal/efi"
	"github.com/tinyrange/bringup/internal/elfimage"
	"github.com/tinyrange/bringup/internal/firmware"
	"github.com/tinyrange/bringup/internal/loader"
	"github.com/tinyrange/bringup/internal/pci"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultBoots(t *testing.T) {
	vol := firmware.NewMemVolume()
	vol.Put(`\kernel.elf`, elfimage.Kernel(0x100000, []byte{0xf4}, 0x1000))

	var conOut bytes.Buffer
	m, err := Default().Build(Options{Volume: vol, ConOut: &conOut})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer m.Close()

	if err := m.Boot(loader.DefaultConfig()); err != nil {
		t.Fatalf("Boot: %v\n%s", err, conOut.String())
	}

	devs := m.Kernel.Devices()
	// Root complex plus every entry in the default topology.
	if len(devs) != len(Default().PCI)+1 {
		t.Fatalf("devices = %v", devs)
	}
	x, ok := m.Kernel.XHC()
	if !ok {
		t.Fatal("xHC not found")
	}
	if x.VendorID != 0x8086 || x.Device.Bus != 1 || x.MMIOBase != 0xfe80_0000 {
		t.Fatalf("xHC = %+v", x)
	}
	if !strings.Contains(conOut.String(), "Pixel Format: PixelBlueGreenRedReserved8BitPerColor") {
		t.Fatalf("firmware console:\n%s", conOut.String())
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "machine.yaml", `
memoryMB: 32
display:
  width: 640
  height: 480
  format: rgb
firmware:
  descriptorSize: 64
  pendingEvents: 1
pci:
  - slot: "00:05.0"
    vendor: 0x1b36
    device: 0x000d
    class: 0x0c
    subclass: 0x03
    progIF: 0x30
    bars:
      - index: 0
        address: 0xfebf4000
        size: 0x4000
        bits: 64
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MemoryMB != 32 || cfg.Display.Width != 640 || cfg.Display.FrameBufferBase != DefaultFrameBufferBase {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.PCI) != 1 || cfg.PCI[0].Slot != (Slot{0, 5, 0}) || cfg.PCI[0].VendorID != 0x1b36 {
		t.Fatalf("pci = %+v", cfg.PCI)
	}
	if f, _ := cfg.Display.Format.EFI(); f != efi.PixelRedGreenBlueReserved8BitPerColor {
		t.Fatalf("format = %v", f)
	}

	vol := firmware.NewMemVolume()
	vol.Put(`\kernel.elf`, elfimage.Kernel(0x100000, []byte{0xf4}, 0))
	m, err := cfg.Build(Options{Volume: vol})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer m.Close()
	if err := m.Boot(loader.DefaultConfig()); err != nil {
		t.Fatalf("Boot with a racing firmware event: %v", err)
	}
	if x, ok := m.Kernel.XHC(); !ok || x.VendorID != 0x1b36 || x.MMIOBase != 0xfebf_4000 {
		t.Fatalf("xHC = %+v, %v", x, ok)
	}

	memmap, _ := vol.Get("memmap")
	if !strings.HasPrefix(string(memmap), "Index, Type") {
		t.Fatalf("memmap = %q", memmap)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := map[string]string{
		"bad slot":      "pci:\n  - slot: \"00:40.0\"\n    vendor: 1\n",
		"duplicate":     "pci:\n  - slot: \"00:01.0\"\n    vendor: 1\n  - slot: \"00:01.0\"\n    vendor: 2\n",
		"small memory":  "memoryMB: 8\n",
		"pixel format":  "display:\n  format: yuv\n",
		"bar width":     "pci:\n  - slot: \"00:01.0\"\n    vendor: 1\n    bars:\n      - index: 0\n        bits: 16\n",
		"truncated":     "pci: [",
	}
	for name, contents := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "machine.yaml", contents)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `slot: "01:00.0"`) && !strings.Contains(string(data), "slot: 01:00.0") {
		t.Fatalf("slot not written as text:\n%s", data)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.PCI) != len(Default().PCI) || cfg.PCI[7].Bridge != nil || cfg.PCI[6].Bridge.Secondary != 1 {
		t.Fatalf("topology changed: %+v", cfg.PCI)
	}
}

func TestHostBridgeFromTopology(t *testing.T) {
	hb, err := Default().NewHostBridge()
	if err != nil {
		t.Fatalf("NewHostBridge: %v", err)
	}
	cfg := pci.NewConfig(hb)
	if v := cfg.ReadVendorID(0, 1, 3); v != 0x8086 {
		t.Fatalf("00:01.3 vendor = %#x", v)
	}
	if ht := cfg.ReadHeaderType(0, 1, 0); pci.IsSingleFunctionDevice(ht) {
		t.Fatalf("00:01.0 header type %#x not multi-function", ht)
	}
	bn := cfg.ReadBusNumbers(0, 0x1e, 0)
	if bn.Primary() != 0 || bn.Secondary() != 1 || bn.Subordinate() != 1 {
		t.Fatalf("bridge bus numbers = %#x", uint32(bn))
	}
	bar, err := cfg.ReadBar(pci.Device{Bus: 0, Device: 3}, 0)
	if err != nil || bar != 0xc001 {
		t.Fatalf("IO BAR = %#x, %v", bar, err)
	}

	dup := Default()
	dup.PCI = append(dup.PCI, PCIFunction{Slot: Slot{0, 0, 0}, VendorID: 1})
	if _, err := dup.NewHostBridge(); err == nil {
		t.Fatal("expected error for a function at the root complex slot")
	}
}
