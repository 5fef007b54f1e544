package efi

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the UEFI page granule.
const PageSize = 4096

// MemoryType is EFI_MEMORY_TYPE.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
	MaxMemoryType
)

var memoryTypeNames = [...]string{
	ReservedMemoryType:      "EfiReservedMemoryType",
	LoaderCode:              "EfiLoaderCode",
	LoaderData:              "EfiLoaderData",
	BootServicesCode:        "EfiBootServicesCode",
	BootServicesData:        "EfiBootServicesData",
	RuntimeServicesCode:     "EfiRuntimeServicesCode",
	RuntimeServicesData:     "EfiRuntimeServicesData",
	ConventionalMemory:      "EfiConventionalMemory",
	UnusableMemory:          "EfiUnusableMemory",
	ACPIReclaimMemory:       "EfiACPIReclaimMemory",
	ACPIMemoryNVS:           "EfiACPIMemoryNVS",
	MemoryMappedIO:          "EfiMemoryMappedIO",
	MemoryMappedIOPortSpace: "EfiMemoryMappedIOPortSpace",
	PalCode:                 "EfiPalCode",
	PersistentMemory:        "EfiPersistentMemory",
	MaxMemoryType:           "EfiMaxMemoryType",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return "InvalidMemoryType"
}

// AllocateType is EFI_ALLOCATE_TYPE.
type AllocateType uint32

const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
)

// MemoryDescriptorSize is the size of the architected descriptor fields.
// Firmware is free to report a larger stride.
const MemoryDescriptorSize = 40

// Memory attribute bits.
const (
	MemoryUC      = 0x1
	MemoryWC      = 0x2
	MemoryWT      = 0x4
	MemoryWB      = 0x8
	MemoryRuntime = 0x8000000000000000
)

// MemoryDescriptor is EFI_MEMORY_DESCRIPTOR.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// PhysicalEnd returns the first address past the descriptor.
func (d MemoryDescriptor) PhysicalEnd() uint64 {
	return d.PhysicalStart + d.NumberOfPages*PageSize
}

// MarshalTo encodes d into the first MemoryDescriptorSize bytes of buf.
func (d MemoryDescriptor) MarshalTo(buf []byte) error {
	if len(buf) < MemoryDescriptorSize {
		return fmt.Errorf("memory descriptor needs %d bytes, have %d", MemoryDescriptorSize, len(buf))
	}
	binary.LittleEndian.PutUint32(buf[0:], uint32(d.Type))
	binary.LittleEndian.PutUint32(buf[4:], 0)
	binary.LittleEndian.PutUint64(buf[8:], d.PhysicalStart)
	binary.LittleEndian.PutUint64(buf[16:], d.VirtualStart)
	binary.LittleEndian.PutUint64(buf[24:], d.NumberOfPages)
	binary.LittleEndian.PutUint64(buf[32:], d.Attribute)
	return nil
}

// UnmarshalBinary decodes a descriptor. Bytes past MemoryDescriptorSize are
// ignored.
func (d *MemoryDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) < MemoryDescriptorSize {
		return fmt.Errorf("memory descriptor truncated: %d bytes", len(data))
	}
	d.Type = MemoryType(binary.LittleEndian.Uint32(data[0:]))
	d.PhysicalStart = binary.LittleEndian.Uint64(data[8:])
	d.VirtualStart = binary.LittleEndian.Uint64(data[16:])
	d.NumberOfPages = binary.LittleEndian.Uint64(data[24:])
	d.Attribute = binary.LittleEndian.Uint64(data[32:])
	return nil
}

// MemoryMapInfo is what GetMemoryMap reports alongside the descriptor bytes.
type MemoryMapInfo struct {
	MapSize           uint64
	MapKey            uint64
	DescriptorSize    uint64
	DescriptorVersion uint32
}

// MemoryMap is a snapshot of the firmware memory map held in a caller-owned
// buffer. MapKey goes stale as soon as anything allocates or frees memory.
type MemoryMap struct {
	Buffer []byte
	MemoryMapInfo
}

// NewMemoryMap returns a snapshot holder with a fixed-size buffer.
func NewMemoryMap(bufferSize int) *MemoryMap {
	return &MemoryMap{Buffer: make([]byte, bufferSize)}
}

// BufferSize is the capacity available to GetMemoryMap.
func (m *MemoryMap) BufferSize() uint64 { return uint64(len(m.Buffer)) }

// Len returns the number of descriptors, using the firmware-reported stride.
func (m *MemoryMap) Len() int {
	if m.DescriptorSize == 0 {
		return 0
	}
	return int(m.MapSize / m.DescriptorSize)
}

// Descriptor decodes the i'th descriptor.
func (m *MemoryMap) Descriptor(i int) (MemoryDescriptor, error) {
	var d MemoryDescriptor
	if i < 0 || i >= m.Len() {
		return d, fmt.Errorf("memory descriptor %d out of range (%d descriptors)", i, m.Len())
	}
	off := uint64(i) * m.DescriptorSize
	if off+m.DescriptorSize > uint64(len(m.Buffer)) {
		return d, fmt.Errorf("memory descriptor %d beyond buffer", i)
	}
	err := d.UnmarshalBinary(m.Buffer[off : off+m.DescriptorSize])
	return d, err
}

// Descriptors decodes every descriptor in the snapshot.
func (m *MemoryMap) Descriptors() ([]MemoryDescriptor, error) {
	out := make([]MemoryDescriptor, 0, m.Len())
	for i := 0; i < m.Len(); i++ {
		d, err := m.Descriptor(i)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
