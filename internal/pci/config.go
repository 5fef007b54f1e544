// Package pci enumerates PCI configuration space through the legacy
// CONFIG_ADDRESS / CONFIG_DATA port pair.
package pci

// I/O ports of the configuration mechanism.
const (
	ConfigAddress uint16 = 0x0cf8
	ConfigData    uint16 = 0x0cfc
)

// Register offsets shared by every header type.
const (
	regVendorDevice = 0x00
	regClassCode    = 0x08
	regHeaderType   = 0x0c
	regBusNumbers   = 0x18
)

// InvalidVendorID is read back from a slot with no function behind it.
const InvalidVendorID = 0xffff

// PortIO is the platform's 32-bit port access primitive.
type PortIO interface {
	Out32(port uint16, value uint32)
	In32(port uint16) uint32
}

// MakeAddress packs a CONFIG_ADDRESS value. The low two bits of reg are
// dropped; accesses are always dword aligned.
func MakeAddress(bus, device, function, reg uint8) uint32 {
	return 1<<31 |
		uint32(bus)<<16 |
		uint32(device&0x1f)<<11 |
		uint32(function&0x07)<<8 |
		uint32(reg&0xfc)
}

// Config issues configuration cycles over a PortIO.
type Config struct {
	io PortIO
}

// NewConfig returns a Config using io for port access.
func NewConfig(io PortIO) *Config {
	return &Config{io: io}
}

func (c *Config) WriteAddress(address uint32) { c.io.Out32(ConfigAddress, address) }
func (c *Config) WriteData(value uint32)      { c.io.Out32(ConfigData, value) }
func (c *Config) ReadData() uint32            { return c.io.In32(ConfigData) }

func (c *Config) read(bus, device, function, reg uint8) uint32 {
	c.WriteAddress(MakeAddress(bus, device, function, reg))
	return c.ReadData()
}

// ReadVendorID reads the vendor ID register.
func (c *Config) ReadVendorID(bus, device, function uint8) uint16 {
	return uint16(c.read(bus, device, function, regVendorDevice) & 0xffff)
}

// ReadDeviceID reads the device ID register.
func (c *Config) ReadDeviceID(bus, device, function uint8) uint16 {
	return uint16(c.read(bus, device, function, regVendorDevice) >> 16)
}

// ReadHeaderType reads the header type register.
func (c *Config) ReadHeaderType(bus, device, function uint8) uint8 {
	return uint8(c.read(bus, device, function, regHeaderType) >> 16)
}

// ReadClassCode reads the class code register. The revision byte is dropped.
func (c *Config) ReadClassCode(bus, device, function uint8) ClassCode {
	reg := c.read(bus, device, function, regClassCode)
	return ClassCode{
		Base:      uint8(reg >> 24),
		Sub:       uint8(reg >> 16),
		Interface: uint8(reg >> 8),
	}
}

// ReadBusNumbers reads the bus number register of a type 1 header.
//
//	23:16 subordinate bus
//	15:8  secondary bus
//	7:0   primary bus
func (c *Config) ReadBusNumbers(bus, device, function uint8) BusNumbers {
	return BusNumbers(c.read(bus, device, function, regBusNumbers))
}

// VendorID reads the vendor ID of a discovered device.
func (c *Config) VendorID(dev Device) uint16 {
	return c.ReadVendorID(dev.Bus, dev.Device, dev.Function)
}

// ReadConfReg reads the 32-bit register at reg of dev.
func (c *Config) ReadConfReg(dev Device, reg uint8) uint32 {
	return c.read(dev.Bus, dev.Device, dev.Function, reg)
}

// WriteConfReg writes the 32-bit register at reg of dev.
func (c *Config) WriteConfReg(dev Device, reg uint8, value uint32) {
	c.WriteAddress(MakeAddress(dev.Bus, dev.Device, dev.Function, reg))
	c.WriteData(value)
}

// BusNumbers is the raw bus number register of a PCI-PCI bridge.
type BusNumbers uint32

func (b BusNumbers) Primary() uint8     { return uint8(b) }
func (b BusNumbers) Secondary() uint8   { return uint8(b >> 8) }
func (b BusNumbers) Subordinate() uint8 { return uint8(b >> 16) }
