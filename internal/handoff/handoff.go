// Package handoff defines the contract between the loader and the kernel:
// the display descriptor and the single-argument entry call.
package handoff

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/bringup/internal/efi"
)

// PixelFormat is the kernel's closed set of frame buffer layouts.
type PixelFormat uint32

const (
	PixelRGBResv8BitPerColor PixelFormat = iota
	PixelBGRResv8BitPerColor
)

func (f PixelFormat) String() string {
	switch f {
	case PixelRGBResv8BitPerColor:
		return "RGBResv8BitPerColor"
	case PixelBGRResv8BitPerColor:
		return "BGRResv8BitPerColor"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint32(f))
	}
}

var (
	ErrUnsupportedPixelFormat = errors.New("unimplemented pixel format")
	// ErrHalted is returned by a CPU whose kernel ran to its final halt.
	ErrHalted = errors.New("cpu halted")
)

// DescriptorSize is the size of the C layout of DisplayDescriptor:
//
//	struct FrameBufferConfig {
//	        uint8_t *frame_buffer;
//	        uint32_t pixels_per_scan_line;
//	        uint32_t horizontal_resolution;
//	        uint32_t vertical_resolution;
//	        enum PixelFormat pixel_format;
//	};
const DescriptorSize = 24

// DisplayDescriptor describes the frame buffer the firmware left configured.
// The memory behind FrameBufferBase belongs to the hardware and stays valid
// for the lifetime of the kernel.
type DisplayDescriptor struct {
	FrameBufferBase      uint64
	PixelsPerScanLine    uint32
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelFormat          PixelFormat
}

// NewDisplayDescriptor converts the current GOP mode. Formats the kernel has
// no writer for are rejected.
func NewDisplayDescriptor(mode efi.GraphicsMode) (DisplayDescriptor, error) {
	desc := DisplayDescriptor{
		FrameBufferBase:      mode.FrameBufferBase,
		PixelsPerScanLine:    mode.Info.PixelsPerScanLine,
		HorizontalResolution: mode.Info.HorizontalResolution,
		VerticalResolution:   mode.Info.VerticalResolution,
	}
	switch mode.Info.PixelFormat {
	case efi.PixelRedGreenBlueReserved8BitPerColor:
		desc.PixelFormat = PixelRGBResv8BitPerColor
	case efi.PixelBlueGreenRedReserved8BitPerColor:
		desc.PixelFormat = PixelBGRResv8BitPerColor
	default:
		return DisplayDescriptor{}, fmt.Errorf("%w: %d", ErrUnsupportedPixelFormat, mode.Info.PixelFormat)
	}
	return desc, nil
}

// FrameBufferSize returns the number of bytes the kernel may touch.
func (d DisplayDescriptor) FrameBufferSize() uint64 {
	return uint64(d.PixelsPerScanLine) * uint64(d.VerticalResolution) * 4
}

// MarshalBinary encodes the C layout.
func (d DisplayDescriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint64(buf[0:], d.FrameBufferBase)
	binary.LittleEndian.PutUint32(buf[8:], d.PixelsPerScanLine)
	binary.LittleEndian.PutUint32(buf[12:], d.HorizontalResolution)
	binary.LittleEndian.PutUint32(buf[16:], d.VerticalResolution)
	binary.LittleEndian.PutUint32(buf[20:], uint32(d.PixelFormat))
	return buf, nil
}

// UnmarshalBinary decodes the C layout.
func (d *DisplayDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) < DescriptorSize {
		return fmt.Errorf("display descriptor truncated: %d bytes", len(data))
	}
	d.FrameBufferBase = binary.LittleEndian.Uint64(data[0:])
	d.PixelsPerScanLine = binary.LittleEndian.Uint32(data[8:])
	d.HorizontalResolution = binary.LittleEndian.Uint32(data[12:])
	d.VerticalResolution = binary.LittleEndian.Uint32(data[16:])
	d.PixelFormat = PixelFormat(binary.LittleEndian.Uint32(data[20:]))
	return nil
}

// CPU transfers control to a loaded kernel.
//
// The kernel entry point is
//
//	void KernelMain(const struct FrameBufferConfig *config)
//
// called with the System V AMD64 convention (config in RDI). Jump does not
// return on hardware; a CPU that models the kernel in-process returns
// ErrHalted once the kernel reaches its final halt.
type CPU interface {
	Jump(entry uint64, desc DisplayDescriptor) error
	Halt()
}
