package firmware

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/bringup/internal/handoff"
)

// KernelFunc is a kernel body installed at an entry address.
type KernelFunc func(desc handoff.DisplayDescriptor)

// CPU is a handoff.CPU that runs Go kernel bodies in place of machine code.
// A kernel body returning models the kernel's final halt loop.
type CPU struct {
	mu      sync.Mutex
	kernels map[uint64]KernelFunc

	entry  uint64
	desc   handoff.DisplayDescriptor
	jumped bool
	halted bool
}

var _ handoff.CPU = (*CPU)(nil)

func NewCPU() *CPU {
	return &CPU{kernels: make(map[uint64]KernelFunc)}
}

// Install registers fn as the code at entry.
func (c *CPU) Install(entry uint64, fn KernelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kernels[entry] = fn
}

func (c *CPU) Jump(entry uint64, desc handoff.DisplayDescriptor) error {
	c.mu.Lock()
	c.entry, c.desc, c.jumped = entry, desc, true
	fn, ok := c.kernels[entry]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no code installed at entry %#x", entry)
	}
	slog.Debug("cpu: entering kernel", "entry", fmt.Sprintf("%#x", entry))
	fn(desc)
	c.Halt()
	return handoff.ErrHalted
}

func (c *CPU) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = true
}

func (c *CPU) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Entered returns the entry address and descriptor of the last jump.
func (c *CPU) Entered() (uint64, handoff.DisplayDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry, c.desc, c.jumped
}
