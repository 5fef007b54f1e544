//go:build !(linux && amd64)

package handoff

import (
	"errors"
	"runtime"
)

// NativeCPU is only available on linux/amd64.
type NativeCPU struct{}

func NewNativeCPU() (*NativeCPU, error) {
	return nil, errors.New("native handoff needs linux/amd64, running on " + runtime.GOOS + "/" + runtime.GOARCH)
}

func (c *NativeCPU) Jump(entry uint64, desc DisplayDescriptor) error {
	return errors.New("native handoff unavailable")
}

func (c *NativeCPU) Halt() { select {} }

func (c *NativeCPU) Halted() bool { return false }
