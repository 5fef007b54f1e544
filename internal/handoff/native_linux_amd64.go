//go:build linux && amd64

package handoff

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

// NativeCPU calls the entry point directly in the current process. The
// kernel image must have been loaded into executable memory mapped at its
// linked address.
type NativeCPU struct {
	halted atomic.Bool
}

// NewNativeCPU returns a CPU that executes the loaded kernel in-process.
func NewNativeCPU() (*NativeCPU, error) {
	return &NativeCPU{}, nil
}

// Jump calls entry with a pointer to desc in RDI. The descriptor stays
// pinned on the Go heap for the duration of the call.
func (c *NativeCPU) Jump(entry uint64, desc DisplayDescriptor) error {
	config := new(DisplayDescriptor)
	*config = desc
	purego.SyscallN(uintptr(entry), uintptr(unsafe.Pointer(config)))
	runtime.KeepAlive(config)
	return nil
}

// Halt parks the calling goroutine forever.
func (c *NativeCPU) Halt() {
	c.halted.Store(true)
	select {}
}

// Halted reports whether a goroutine has parked in Halt.
func (c *NativeCPU) Halted() bool { return c.halted.Load() }
