// Package elfimage writes minimal ELF64 x86-64 executables.
package elfimage

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	fileHeaderSize    = 64
	programHeaderSize = 56
)

// Builder assembles an executable from explicit program headers and file
// contents. Contents written below the header area are overwritten by the
// headers.
type Builder struct {
	Entry uint64
	Progs []elf.ProgHeader

	contents []byte
}

// HeaderSize is the size of the file header plus the program header table.
func (b *Builder) HeaderSize() int {
	return fileHeaderSize + programHeaderSize*len(b.Progs)
}

// WriteAt places p at file offset off.
func (b *Builder) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	end := int(off) + len(p)
	if end > len(b.contents) {
		b.contents = append(b.contents, make([]byte, end-len(b.contents))...)
	}
	copy(b.contents[off:], p)
	return len(p), nil
}

// Bytes renders the file.
func (b *Builder) Bytes() []byte {
	size := max(b.HeaderSize(), len(b.contents))
	for _, p := range b.Progs {
		size = max(size, int(p.Off+p.Filesz))
	}
	out := make([]byte, size)
	copy(out, b.contents)

	le := binary.LittleEndian
	copy(out[0:], elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	out[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	for i := elf.EI_PAD; i < elf.EI_NIDENT; i++ {
		out[i] = 0
	}
	le.PutUint16(out[16:], uint16(elf.ET_EXEC))
	le.PutUint16(out[18:], uint16(elf.EM_X86_64))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(out[24:], b.Entry)
	le.PutUint64(out[32:], fileHeaderSize) // e_phoff
	le.PutUint64(out[40:], 0)              // e_shoff
	le.PutUint32(out[48:], 0)              // e_flags
	le.PutUint16(out[52:], fileHeaderSize)
	le.PutUint16(out[54:], programHeaderSize)
	le.PutUint16(out[56:], uint16(len(b.Progs)))
	le.PutUint16(out[58:], 0) // e_shentsize
	le.PutUint16(out[60:], 0) // e_shnum
	le.PutUint16(out[62:], 0) // e_shstrndx

	for i, p := range b.Progs {
		ph := out[fileHeaderSize+i*programHeaderSize:]
		le.PutUint32(ph[0:], uint32(p.Type))
		le.PutUint32(ph[4:], uint32(p.Flags))
		le.PutUint64(ph[8:], p.Off)
		le.PutUint64(ph[16:], p.Vaddr)
		le.PutUint64(ph[24:], p.Paddr)
		le.PutUint64(ph[32:], p.Filesz)
		le.PutUint64(ph[40:], p.Memsz)
		le.PutUint64(ph[48:], p.Align)
	}
	return out
}

const pageSize = 0x1000

// Kernel builds an image laid out like a kernel linked at base: the first
// loadable segment maps the file from offset 0, so the file header (and
// with it e_entry) is resident at base. text starts one page in and is the
// entry point. A non-zero bss adds a second, file-less segment after it.
func Kernel(base uint64, text []byte, bss uint64) []byte {
	b := &Builder{Entry: base + pageSize}
	textEnd := uint64(pageSize + len(text))
	b.Progs = append(b.Progs, elf.ProgHeader{
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R | elf.PF_X,
		Off:    0,
		Vaddr:  base,
		Paddr:  base,
		Filesz: textEnd,
		Memsz:  textEnd,
		Align:  pageSize,
	})
	if bss > 0 {
		bssAddr := base + (textEnd+pageSize-1)&^(pageSize-1)
		b.Progs = append(b.Progs, elf.ProgHeader{
			Type:  elf.PT_LOAD,
			Flags: elf.PF_R | elf.PF_W,
			Off:   textEnd,
			Vaddr: bssAddr,
			Paddr: bssAddr,
			Memsz: bss,
			Align: pageSize,
		})
	}
	b.Progs = append(b.Progs, elf.ProgHeader{
		Type:  elf.PT_GNU_STACK,
		Flags: elf.PF_R | elf.PF_W,
	})
	b.WriteAt(text, pageSize)
	return b.Bytes()
}
