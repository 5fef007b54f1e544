package loader

import (
	"fmt"
	"io"

	"github.com/tinyrange/bringup/internal/efi"
)

// MemoryMapBufferSize is the fixed buffer the loader snapshots into.
const MemoryMapBufferSize = 4096 * 4

const memoryMapHeader = "Index, Type, Type(name), PhysicalStart, NumberOfPages, Attribute\n"

// GetMemoryMap snapshots the firmware memory map into m.Buffer. A map with
// no buffer is reported as BufferTooSmall without calling the firmware.
func GetMemoryMap(bs efi.BootServices, m *efi.MemoryMap) error {
	if m.Buffer == nil {
		return efi.BufferTooSmall
	}
	info, err := bs.GetMemoryMap(m.Buffer)
	m.MemoryMapInfo = info
	return err
}

// SaveMemoryMap writes the snapshot as CSV, one line per descriptor.
func SaveMemoryMap(w io.Writer, m *efi.MemoryMap) error {
	if _, err := io.WriteString(w, memoryMapHeader); err != nil {
		return err
	}
	for i := 0; i < m.Len(); i++ {
		desc, err := m.Descriptor(i)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%d, %x, %s, %08x, %x, %x\n",
			i, uint32(desc.Type), desc.Type, desc.PhysicalStart, desc.NumberOfPages, desc.Attribute&0xfffff)
		if err != nil {
			return err
		}
	}
	return nil
}
