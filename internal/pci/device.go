package pci

import "fmt"

// ClassCode identifies what a function is without a device database.
type ClassCode struct {
	Base, Sub, Interface uint8
}

// Match reports whether the base class is b.
func (c ClassCode) Match(b uint8) bool { return c.Base == b }

// MatchSub reports whether base and sub class are b and s.
func (c ClassCode) MatchSub(b, s uint8) bool { return c.Match(b) && c.Sub == s }

// MatchInterface reports whether base, sub class and programming interface
// are b, s and i.
func (c ClassCode) MatchInterface(b, s, i uint8) bool { return c.MatchSub(b, s) && c.Interface == i }

func (c ClassCode) String() string {
	return fmt.Sprintf("%02x.%02x.%02x", c.Base, c.Sub, c.Interface)
}

// Well-known class codes.
var (
	ClassHostBridge = ClassCode{Base: 0x06, Sub: 0x00}
	ClassPCIBridge  = ClassCode{Base: 0x06, Sub: 0x04}
	ClassUSBXHCI    = ClassCode{Base: 0x0c, Sub: 0x03, Interface: 0x30}
)

// IsBridge reports whether c is a PCI-to-PCI bridge.
func (c ClassCode) IsBridge() bool { return c.MatchSub(ClassPCIBridge.Base, ClassPCIBridge.Sub) }

// Name returns a short human readable description for common classes.
func (c ClassCode) Name() string {
	switch {
	case c.MatchSub(0x01, 0x01):
		return "IDE controller"
	case c.MatchSub(0x01, 0x06):
		return "SATA controller"
	case c.MatchSub(0x01, 0x08):
		return "NVMe controller"
	case c.Match(0x01):
		return "mass storage controller"
	case c.MatchSub(0x02, 0x00):
		return "ethernet controller"
	case c.Match(0x03):
		return "display controller"
	case c.MatchSub(0x06, 0x00):
		return "host bridge"
	case c.MatchSub(0x06, 0x01):
		return "ISA bridge"
	case c.MatchSub(0x06, 0x04):
		return "PCI-to-PCI bridge"
	case c.MatchInterface(0x0c, 0x03, 0x00):
		return "USB UHCI controller"
	case c.MatchInterface(0x0c, 0x03, 0x10):
		return "USB OHCI controller"
	case c.MatchInterface(0x0c, 0x03, 0x20):
		return "USB EHCI controller"
	case c.MatchInterface(0x0c, 0x03, 0x30):
		return "USB xHCI controller"
	case c.MatchSub(0x0c, 0x03):
		return "USB controller"
	case c.MatchSub(0x0c, 0x05):
		return "SMBus controller"
	default:
		return "unknown"
	}
}

// Device is a discovered PCI function. Bus, Device and Function identify it;
// the other fields are cached from configuration space at scan time.
type Device struct {
	Bus, Device, Function uint8
	HeaderType            uint8
	ClassCode             ClassCode
}

// Address returns the bus/device/function triple.
func (d Device) Address() (bus, device, function uint8) {
	return d.Bus, d.Device, d.Function
}

func (d Device) String() string {
	return fmt.Sprintf("%02x:%02x.%x", d.Bus, d.Device, d.Function)
}

// IsSingleFunctionDevice reports whether header type ht has the
// multi-function bit clear.
func IsSingleFunctionDevice(ht uint8) bool {
	return ht&0x80 == 0
}
