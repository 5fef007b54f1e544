// Package platform describes the simulated machine (RAM, display, PCI
// topology) in YAML and assembles it.
package platform

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/bringup/internal/efi"
)

const (
	DefaultMemoryMB        = 64
	DefaultFrameBufferBase = 0x8000_0000
)

type Config struct {
	Version  int            `yaml:"version"`
	MemoryMB uint64         `yaml:"memoryMB"`
	Display  DisplayConfig  `yaml:"display"`
	Firmware FirmwareConfig `yaml:"firmware,omitempty"`
	PCI      []PCIFunction  `yaml:"pci"`
}

type DisplayConfig struct {
	Width             uint32      `yaml:"width"`
	Height            uint32      `yaml:"height"`
	PixelsPerScanLine uint32      `yaml:"pixelsPerScanLine,omitempty"`
	Format            PixelFormat `yaml:"format"`
	FrameBufferBase   uint64      `yaml:"frameBufferBase,omitempty"`
}

type FirmwareConfig struct {
	// DescriptorSize is the memory map stride the firmware reports.
	DescriptorSize uint64 `yaml:"descriptorSize,omitempty"`
	// PendingEvents is how many ExitBootServices calls race with a firmware
	// event that changes the memory map.
	PendingEvents int `yaml:"pendingEvents,omitempty"`
}

type PCIFunction struct {
	Slot      Slot          `yaml:"slot"`
	VendorID  uint16        `yaml:"vendor"`
	DeviceID  uint16        `yaml:"device"`
	Revision  uint8         `yaml:"revision,omitempty"`
	Class     uint8         `yaml:"class"`
	Subclass  uint8         `yaml:"subclass"`
	ProgIF    uint8         `yaml:"progIF,omitempty"`
	Interrupt uint8         `yaml:"interrupt,omitempty"`
	Bridge    *BridgeConfig `yaml:"bridge,omitempty"`
	BARs      []BARConfig   `yaml:"bars,omitempty"`
}

type BridgeConfig struct {
	Secondary   uint8 `yaml:"secondary"`
	Subordinate uint8 `yaml:"subordinate"`
}

type BARConfig struct {
	Index        int    `yaml:"index"`
	Address      uint64 `yaml:"address"`
	Size         uint64 `yaml:"size"`
	Bits         int    `yaml:"bits,omitempty"`
	Prefetchable bool   `yaml:"prefetchable,omitempty"`
	IO           bool   `yaml:"io,omitempty"`
}

// Slot is a bus:device.function location written as "bb:dd.f".
type Slot struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (s Slot) String() string {
	return fmt.Sprintf("%02x:%02x.%x", s.Bus, s.Device, s.Function)
}

func ParseSlot(text string) (Slot, error) {
	var bus, dev, fn uint
	if _, err := fmt.Sscanf(text, "%x:%x.%x", &bus, &dev, &fn); err != nil {
		return Slot{}, fmt.Errorf("invalid PCI slot %q: %w", text, err)
	}
	if bus > 0xff || dev >= 32 || fn >= 8 {
		return Slot{}, fmt.Errorf("invalid PCI slot %q", text)
	}
	return Slot{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Slot.
func (s *Slot) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := ParseSlot(text)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Slot.
func (s Slot) MarshalYAML() (any, error) { return s.String(), nil }

// PixelFormat names a GOP pixel format: rgb, bgr, bitmask or blt.
type PixelFormat string

func (p PixelFormat) EFI() (efi.PixelFormat, error) {
	switch strings.ToLower(string(p)) {
	case "rgb":
		return efi.PixelRedGreenBlueReserved8BitPerColor, nil
	case "bgr", "":
		return efi.PixelBlueGreenRedReserved8BitPerColor, nil
	case "bitmask":
		return efi.PixelBitMask, nil
	case "blt", "bltonly":
		return efi.PixelBltOnly, nil
	}
	return 0, fmt.Errorf("unknown pixel format %q", string(p))
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.Display.Format == "" {
		c.Display.Format = "bgr"
	}
	if c.Display.FrameBufferBase == 0 && c.Display.Width != 0 {
		c.Display.FrameBufferBase = DefaultFrameBufferBase
	}
}

// Validate checks the parts of the configuration that do not need the
// platform to be built.
func (c Config) Validate() error {
	if c.MemoryMB < 16 {
		return fmt.Errorf("memoryMB %d below the 16 MiB minimum", c.MemoryMB)
	}
	if _, err := c.Display.Format.EFI(); err != nil {
		return err
	}
	seen := make(map[Slot]bool)
	for _, f := range c.PCI {
		if seen[f.Slot] {
			return fmt.Errorf("pci slot %s listed twice", f.Slot)
		}
		seen[f.Slot] = true
		for _, bar := range f.BARs {
			if bar.Bits != 0 && bar.Bits != 32 && bar.Bits != 64 {
				return fmt.Errorf("pci %s BAR %d: bits must be 32 or 64", f.Slot, bar.Index)
			}
		}
	}
	return nil
}

// Default is a small i440FX-style machine with an Intel xHCI controller
// behind a PCI bridge and a QEMU one on the root bus.
func Default() Config {
	cfg := Config{
		MemoryMB: DefaultMemoryMB,
		Display: DisplayConfig{
			Width:  800,
			Height: 600,
			Format: "bgr",
		},
		PCI: []PCIFunction{
			{Slot: Slot{0, 1, 0}, VendorID: 0x8086, DeviceID: 0x7000, Class: 0x06, Subclass: 0x01},
			{Slot: Slot{0, 1, 1}, VendorID: 0x8086, DeviceID: 0x7010, Class: 0x01, Subclass: 0x01, ProgIF: 0x80},
			{Slot: Slot{0, 1, 3}, VendorID: 0x8086, DeviceID: 0x7113, Revision: 0x03, Class: 0x06, Subclass: 0x80},
			{
				Slot: Slot{0, 2, 0}, VendorID: 0x1234, DeviceID: 0x1111, Class: 0x03, Subclass: 0x00,
				BARs: []BARConfig{
					{Index: 0, Address: DefaultFrameBufferBase, Size: 16 << 20, Prefetchable: true},
					{Index: 2, Address: 0xfebf_0000, Size: 0x1000},
				},
			},
			{
				Slot: Slot{0, 3, 0}, VendorID: 0x1af4, DeviceID: 0x1000, Class: 0x02, Subclass: 0x00, Interrupt: 11,
				BARs: []BARConfig{{Index: 0, Address: 0xc000, Size: 0x20, IO: true}},
			},
			{
				Slot: Slot{0, 4, 0}, VendorID: 0x1b36, DeviceID: 0x000d, Class: 0x0c, Subclass: 0x03, ProgIF: 0x30,
				BARs: []BARConfig{{Index: 0, Address: 0xfebf_4000, Size: 0x4000, Bits: 64}},
			},
			{
				Slot: Slot{0, 0x1e, 0}, VendorID: 0x8086, DeviceID: 0x244e, Class: 0x06, Subclass: 0x04,
				Bridge: &BridgeConfig{Secondary: 1, Subordinate: 1},
			},
			{
				Slot: Slot{1, 0, 0}, VendorID: 0x8086, DeviceID: 0xa36d, Class: 0x0c, Subclass: 0x03, ProgIF: 0x30,
				BARs: []BARConfig{{Index: 0, Address: 0xfe80_0000, Size: 0x10000, Bits: 64}},
			},
		},
	}
	cfg.normalize()
	return cfg
}

// Load reads a platform file. Keys the file leaves out keep their Default
// values; a pci list replaces the default topology.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
