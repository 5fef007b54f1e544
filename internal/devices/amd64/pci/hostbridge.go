package pci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// HostBridge implements a PCI host bridge that services legacy configuration
// space accesses through ports 0xCF8-0xCFF. Functions, bridges and the buses
// behind them are registered up front; reads from empty slots return 0xFF and
// writes to them are ignored.
type HostBridge struct {
	mu      sync.Mutex
	address uint32

	config   map[pciLocation][]byte
	readOnly map[pciLocation]map[uint32]struct{}
	bars     map[pciLocation][]barRegister
}

// barRegister tracks which bits of a BAR dword software may change and which
// type flags always read back.
type barRegister struct {
	mask  uint32
	flags uint32
}

type pciLocation struct {
	bus      uint8
	device   uint8
	function uint8
}

func (l pciLocation) String() string {
	return fmt.Sprintf("%02x:%02x.%x", l.bus, l.device, l.function)
}

const (
	pciConfigAddressPort = 0x0cf8
	pciConfigDataPort    = 0x0cfc

	configSpaceSize = 256

	headerTypeMultiFunction = 0x80
	headerTypeBridge        = 0x01
)

// BAR describes one base address register of an emulated function.
type BAR struct {
	Index int
	// Address is the programmed base. Flag bits are derived from the
	// other fields.
	Address uint64
	// Size must be a power of two; it determines which address bits are
	// writable when software sizes the BAR.
	Size         uint64
	Is64         bool
	Prefetchable bool
	IO           bool
}

// Bridge holds the bus numbers of a PCI-to-PCI bridge.
type Bridge struct {
	Primary     uint8
	Secondary   uint8
	Subordinate uint8
}

// Function describes the configuration header of one emulated function.
type Function struct {
	VendorID  uint16
	DeviceID  uint16
	Revision  uint8
	Class     uint8
	Subclass  uint8
	ProgIF    uint8
	BARs      []BAR
	Bridge    *Bridge
	Interrupt uint8
}

// NewHostBridge returns a host bridge with the i440FX root complex at
// 00:00.0.
func NewHostBridge() *HostBridge {
	hb := &HostBridge{
		config:   make(map[pciLocation][]byte),
		readOnly: make(map[pciLocation]map[uint32]struct{}),
		bars:     make(map[pciLocation][]barRegister),
	}

	// Cannot fail: the slot is empty and the function has no BARs.
	_ = hb.AddFunction(0, 0, 0, Function{
		VendorID: 0x8086,
		DeviceID: 0x1237, // 82441FX
		Revision: 0x02,
		Class:    0x06, // bridge
		Subclass: 0x00, // host bridge
	})
	return hb
}

// AddFunction registers a function at bus/device/function. Function 0 of a
// device is flagged multi-function as soon as a sibling is registered.
func (hb *HostBridge) AddFunction(bus, device, function uint8, f Function) error {
	if device >= 32 || function >= 8 {
		return fmt.Errorf("pci host bridge: invalid location %02x:%02x.%x", bus, device, function)
	}
	if f.VendorID == 0xffff {
		return fmt.Errorf("pci host bridge: vendor ID 0xffff is reserved for empty slots")
	}
	loc := pciLocation{bus: bus, device: device, function: function}

	hb.mu.Lock()
	defer hb.mu.Unlock()

	if _, exists := hb.config[loc]; exists {
		return fmt.Errorf("pci host bridge: function already registered at %s", loc)
	}

	cfg := make([]byte, configSpaceSize)
	binary.LittleEndian.PutUint16(cfg[0x00:], f.VendorID)
	binary.LittleEndian.PutUint16(cfg[0x02:], f.DeviceID)
	cfg[0x08] = f.Revision
	cfg[0x09] = f.ProgIF
	cfg[0x0A] = f.Subclass
	cfg[0x0B] = f.Class
	cfg[0x3C] = f.Interrupt

	maxBARs := 6
	if f.Bridge != nil {
		cfg[0x0E] = headerTypeBridge
		cfg[0x18] = f.Bridge.Primary
		cfg[0x19] = f.Bridge.Secondary
		cfg[0x1A] = f.Bridge.Subordinate
		maxBARs = 2
	}

	bars := make([]barRegister, 6)
	for _, bar := range f.BARs {
		if err := encodeBAR(cfg, bars, bar, maxBARs); err != nil {
			return fmt.Errorf("pci host bridge: %s: %w", loc, err)
		}
	}

	for fn := uint8(0); fn < 8; fn++ {
		if fn == function {
			continue
		}
		sibling, ok := hb.config[pciLocation{bus: bus, device: device, function: fn}]
		if !ok {
			continue
		}
		if function == 0 {
			cfg[0x0E] |= headerTypeMultiFunction
		} else if fn == 0 {
			sibling[0x0E] |= headerTypeMultiFunction
		}
	}

	hb.config[loc] = cfg
	hb.bars[loc] = bars
	hb.setReadOnlyRange(loc, 0x00, 0x03)
	hb.setReadOnlyRange(loc, 0x08, 0x0B)
	hb.setReadOnlyRange(loc, 0x0E, 0x0E)

	slog.Debug("pci host bridge: add function",
		"location", loc.String(),
		"vendor", fmt.Sprintf("%#04x", f.VendorID),
		"class", fmt.Sprintf("%02x.%02x.%02x", f.Class, f.Subclass, f.ProgIF))
	return nil
}

func encodeBAR(cfg []byte, bars []barRegister, bar BAR, maxBARs int) error {
	if bar.Index < 0 || bar.Index >= maxBARs {
		return fmt.Errorf("BAR index %d out of range", bar.Index)
	}
	if bar.Is64 && (bar.IO || bar.Index+1 >= maxBARs) {
		return fmt.Errorf("BAR %d cannot be 64-bit", bar.Index)
	}
	size := bar.Size
	if size == 0 {
		size = 0x1000
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("BAR %d size %#x is not a power of two", bar.Index, size)
	}
	if bar.Address&(size-1) != 0 {
		return fmt.Errorf("BAR %d address %#x not aligned to size %#x", bar.Index, bar.Address, size)
	}

	var flags uint32
	switch {
	case bar.IO:
		flags = 0x1
	default:
		if bar.Is64 {
			flags |= 0x4
		}
		if bar.Prefetchable {
			flags |= 0x8
		}
	}

	off := 0x10 + 4*bar.Index
	addrMask := ^(size - 1)
	binary.LittleEndian.PutUint32(cfg[off:], uint32(bar.Address)|flags)
	bars[bar.Index] = barRegister{mask: uint32(addrMask) &^ 0x3, flags: flags}
	if bar.IO {
		bars[bar.Index].mask &= 0xffff
	} else {
		bars[bar.Index].mask &^= 0xf
	}
	if bar.Is64 {
		binary.LittleEndian.PutUint32(cfg[off+4:], uint32(bar.Address>>32))
		bars[bar.Index+1] = barRegister{mask: uint32(addrMask >> 32)}
	}
	return nil
}

// IOPorts returns the ports the bridge decodes.
func (hb *HostBridge) IOPorts() []uint16 {
	return []uint16{
		0x0cf8, 0x0cf9, 0x0cfa, 0x0cfb,
		0x0cfc, 0x0cfd, 0x0cfe, 0x0cff,
	}
}

// ReadIOPort services a port read of len(data) bytes.
func (hb *HostBridge) ReadIOPort(port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	for i := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			data[i] = byte(hb.address >> shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			data[i] = hb.readConfigByte(cur - pciConfigDataPort)
		default:
			return fmt.Errorf("pci host bridge: unhandled read from I/O port 0x%04x", cur)
		}
	}
	return nil
}

// WriteIOPort services a port write of len(data) bytes.
func (hb *HostBridge) WriteIOPort(port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	for i, b := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			mask := uint32(0xFF) << shift
			hb.address = (hb.address &^ mask) | (uint32(b) << shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			hb.writeConfigByte(cur-pciConfigDataPort, b)
		default:
			return fmt.Errorf("pci host bridge: unhandled write to I/O port 0x%04x", cur)
		}
	}
	return nil
}

// Out32 writes a dword to port, the way the OUT instruction would.
func (hb *HostBridge) Out32(port uint16, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := hb.WriteIOPort(port, buf[:]); err != nil {
		slog.Warn("pci host bridge: out32", "port", fmt.Sprintf("0x%04x", port), "error", err)
	}
}

// In32 reads a dword from port. Undecoded ports float high.
func (hb *HostBridge) In32(port uint16) uint32 {
	var buf [4]byte
	if err := hb.ReadIOPort(port, buf[:]); err != nil {
		slog.Warn("pci host bridge: in32", "port", fmt.Sprintf("0x%04x", port), "error", err)
		return 0xffff_ffff
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (hb *HostBridge) readConfigByte(offset uint16) byte {
	cfg, reg, _, ok := hb.configTarget(offset)
	if !ok {
		return 0xFF
	}
	if reg >= uint32(len(cfg)) {
		return 0xFF
	}
	return cfg[reg]
}

func (hb *HostBridge) writeConfigByte(offset uint16, value byte) {
	cfg, reg, loc, ok := hb.configTarget(offset)
	if !ok {
		return
	}
	if reg >= uint32(len(cfg)) {
		return
	}
	if hb.isReadOnly(loc, reg) {
		return
	}

	barEnd := uint32(0x28)
	if cfg[0x0E]&^headerTypeMultiFunction == headerTypeBridge {
		barEnd = 0x18
	}
	if reg >= 0x10 && reg < barEnd {
		bar := hb.bars[loc][(reg-0x10)/4]
		if bar.mask == 0 && bar.flags == 0 {
			// Unimplemented BARs are hardwired to zero.
			return
		}
		shift := (reg % 4) * 8
		cfg[reg] = value&byte(bar.mask>>shift) | byte(bar.flags>>shift)
		return
	}

	cfg[reg] = value
}

func (hb *HostBridge) configTarget(offset uint16) ([]byte, uint32, pciLocation, bool) {
	if hb.address&(1<<31) == 0 {
		return nil, 0, pciLocation{}, false
	}

	loc := pciLocation{
		bus:      uint8((hb.address >> 16) & 0xFF),
		device:   uint8((hb.address >> 11) & 0x1F),
		function: uint8((hb.address >> 8) & 0x7),
	}
	cfg, ok := hb.config[loc]
	if !ok {
		return nil, 0, pciLocation{}, false
	}

	reg := (hb.address & 0xFC) + uint32(offset)
	return cfg, reg, loc, true
}

func (hb *HostBridge) setReadOnlyRange(loc pciLocation, start, end uint32) {
	if hb.readOnly[loc] == nil {
		hb.readOnly[loc] = make(map[uint32]struct{})
	}
	for offset := start; offset <= end; offset++ {
		hb.readOnly[loc][offset] = struct{}{}
	}
}

func (hb *HostBridge) isReadOnly(loc pciLocation, offset uint32) bool {
	entries, ok := hb.readOnly[loc]
	if !ok {
		return false
	}
	_, ro := entries[offset]
	return ro
}
