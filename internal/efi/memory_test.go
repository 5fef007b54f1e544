package efi

import (
	"errors"
	"testing"
)

func encodeMap(t *testing.T, stride int, descs []MemoryDescriptor) *MemoryMap {
	t.Helper()
	m := NewMemoryMap(4096)
	for i, d := range descs {
		if err := d.MarshalTo(m.Buffer[i*stride:]); err != nil {
			t.Fatalf("MarshalTo: %v", err)
		}
		// Poison the padding so a decoder that ignores the stride notices.
		for j := MemoryDescriptorSize; j < stride; j++ {
			m.Buffer[i*stride+j] = 0xee
		}
	}
	m.MapSize = uint64(len(descs) * stride)
	m.DescriptorSize = uint64(stride)
	m.DescriptorVersion = 1
	return m
}

func TestMemoryMapHonoursStride(t *testing.T) {
	descs := []MemoryDescriptor{
		{Type: ConventionalMemory, PhysicalStart: 0x1000, NumberOfPages: 0x9f},
		{Type: LoaderData, PhysicalStart: 0x100000, NumberOfPages: 2, Attribute: MemoryWB},
		{Type: MemoryMappedIO, PhysicalStart: 0x80000000, NumberOfPages: 0x300, Attribute: MemoryUC | MemoryRuntime},
	}
	for _, stride := range []int{40, 48, 64} {
		m := encodeMap(t, stride, descs)
		if m.Len() != len(descs) {
			t.Fatalf("stride %d: Len = %d, want %d", stride, m.Len(), len(descs))
		}
		got, err := m.Descriptors()
		if err != nil {
			t.Fatalf("stride %d: Descriptors: %v", stride, err)
		}
		for i := range descs {
			if got[i] != descs[i] {
				t.Fatalf("stride %d: descriptor %d = %+v, want %+v", stride, i, got[i], descs[i])
			}
		}
	}
}

func TestMemoryMapDescriptorOutOfRange(t *testing.T) {
	m := encodeMap(t, 48, []MemoryDescriptor{{Type: ConventionalMemory}})
	if _, err := m.Descriptor(1); err == nil {
		t.Fatal("expected error for index past the map")
	}
	var empty MemoryMap
	if empty.Len() != 0 {
		t.Fatalf("empty map Len = %d", empty.Len())
	}
}

func TestMemoryTypeNames(t *testing.T) {
	if got := LoaderData.String(); got != "EfiLoaderData" {
		t.Fatalf("LoaderData = %q", got)
	}
	if got := MemoryType(0x70000000).String(); got != "InvalidMemoryType" {
		t.Fatalf("OEM type = %q", got)
	}
}

func TestStatus(t *testing.T) {
	if Success.Err() != nil {
		t.Fatal("Success.Err() should be nil")
	}
	var err error = NotFound.Err()
	if !errors.Is(err, NotFound) {
		t.Fatalf("errors.Is(%v, NotFound) = false", err)
	}
	if got := BufferTooSmall.Error(); got != "Buffer Too Small" {
		t.Fatalf("BufferTooSmall = %q", got)
	}
	if got := Status(errorBit | 99).Error(); got != "Error 0x63" {
		t.Fatalf("unknown status = %q", got)
	}
}
