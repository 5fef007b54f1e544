package handoff

import (
	"errors"
	"testing"

	"github.com/tinyrange/bringup/internal/efi"
)

func TestNewDisplayDescriptor(t *testing.T) {
	mode := efi.GraphicsMode{
		Info: efi.ModeInformation{
			HorizontalResolution: 800,
			VerticalResolution:   600,
			PixelsPerScanLine:    832,
			PixelFormat:          efi.PixelBlueGreenRedReserved8BitPerColor,
		},
		FrameBufferBase: 0x8000_0000,
		FrameBufferSize: 832 * 600 * 4,
	}
	desc, err := NewDisplayDescriptor(mode)
	if err != nil {
		t.Fatalf("NewDisplayDescriptor: %v", err)
	}
	want := DisplayDescriptor{
		FrameBufferBase:      0x8000_0000,
		PixelsPerScanLine:    832,
		HorizontalResolution: 800,
		VerticalResolution:   600,
		PixelFormat:          PixelBGRResv8BitPerColor,
	}
	if desc != want {
		t.Fatalf("desc = %+v, want %+v", desc, want)
	}
	if desc.FrameBufferSize() != mode.FrameBufferSize {
		t.Fatalf("FrameBufferSize = %#x, want %#x", desc.FrameBufferSize(), mode.FrameBufferSize)
	}

	for _, f := range []efi.PixelFormat{efi.PixelBitMask, efi.PixelBltOnly, efi.PixelFormatMax} {
		mode.Info.PixelFormat = f
		if _, err := NewDisplayDescriptor(mode); !errors.Is(err, ErrUnsupportedPixelFormat) {
			t.Fatalf("%s: err = %v, want ErrUnsupportedPixelFormat", f, err)
		}
	}
}

func TestDescriptorLayout(t *testing.T) {
	desc := DisplayDescriptor{
		FrameBufferBase:      0x1122_3344_5566_7788,
		PixelsPerScanLine:    1024,
		HorizontalResolution: 1024,
		VerticalResolution:   768,
		PixelFormat:          PixelRGBResv8BitPerColor,
	}
	buf, err := desc.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != DescriptorSize {
		t.Fatalf("len = %d, want %d", len(buf), DescriptorSize)
	}
	if buf[0] != 0x88 || buf[7] != 0x11 {
		t.Fatalf("frame buffer base not little endian at offset 0: % x", buf[:8])
	}
	if buf[16] != 0x00 || buf[17] != 0x03 {
		t.Fatalf("vertical resolution not at offset 16: % x", buf[16:20])
	}

	var back DisplayDescriptor
	if err := back.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if back != desc {
		t.Fatalf("decoded %+v, want %+v", back, desc)
	}
	if err := back.UnmarshalBinary(buf[:10]); err == nil {
		t.Fatal("expected truncation error")
	}
}
