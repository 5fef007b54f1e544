package pci

import (
	"errors"
	"fmt"
)

// DefaultCapacity is the table size used by the kernel.
const DefaultCapacity = 32

var (
	ErrFull      = errors.New("pci: device table full")
	ErrDuplicate = errors.New("pci: device already in table")
)

// Table is a fixed-capacity list of devices in discovery order. It is filled
// by a single enumeration pass and read-only afterwards; it does no locking.
type Table struct {
	devices []Device
}

// NewTable returns an empty table holding at most capacity devices.
func NewTable(capacity int) *Table {
	if capacity < 0 {
		capacity = 0
	}
	return &Table{devices: make([]Device, 0, capacity)}
}

// Add appends dev, failing closed when the table is full.
func (t *Table) Add(dev Device) error {
	if len(t.devices) == cap(t.devices) {
		return ErrFull
	}
	for _, d := range t.devices {
		if d.Bus == dev.Bus && d.Device == dev.Device && d.Function == dev.Function {
			return fmt.Errorf("%w: %s", ErrDuplicate, dev)
		}
	}
	t.devices = append(t.devices, dev)
	return nil
}

// Reset empties the table, keeping its capacity.
func (t *Table) Reset() { t.devices = t.devices[:0] }

func (t *Table) Len() int { return len(t.devices) }
func (t *Table) Cap() int { return cap(t.devices) }

// At returns the i'th discovered device.
func (t *Table) At(i int) Device { return t.devices[i] }

// Devices returns the discovered devices. The slice must not be modified.
func (t *Table) Devices() []Device {
	return t.devices[:len(t.devices):len(t.devices)]
}

// Find returns the first device for which match returns true.
func (t *Table) Find(match func(Device) bool) (Device, bool) {
	for _, d := range t.devices {
		if match(d) {
			return d, true
		}
	}
	return Device{}, false
}
