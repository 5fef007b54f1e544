package pci

import (
	"errors"
	"fmt"
)

const barCount = 6

var ErrIndexOutOfRange = errors.New("pci: BAR index out of range")

// CalcBarAddress returns the configuration offset of BAR index.
func CalcBarAddress(index uint) uint8 {
	return uint8(0x10 + 4*index)
}

// ReadBar returns the raw value of BAR index of dev. A 64-bit memory BAR is
// combined with the following register as the upper half. Flag bits in the
// low nibble are left for the caller to strip.
func (c *Config) ReadBar(dev Device, index uint) (uint64, error) {
	if index >= barCount {
		return 0, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	addr := CalcBarAddress(index)
	bar := c.ReadConfReg(dev, addr)

	// 32 bit address
	if bar&0x4 == 0 {
		return uint64(bar), nil
	}

	// 64 bit address
	if index >= barCount-1 {
		return 0, fmt.Errorf("%w: 64-bit BAR %d has no upper half", ErrIndexOutOfRange, index)
	}
	upper := c.ReadConfReg(dev, addr+4)
	return uint64(bar) | uint64(upper)<<32, nil
}

// MMIOBase strips the flag bits of a memory BAR value.
func MMIOBase(bar uint64) uint64 {
	return bar &^ 0xf
}
