package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/tinyrange/bringup/internal/efi"
)

// EntryOffset is the offset of e_entry in an ELF64 file header. The loader
// reads the entry point from the image after it has been placed in memory,
// where the first loadable segment begins with the file header.
const EntryOffset = 24

var ErrNoLoadSegments = errors.New("kernel image has no loadable segments")

// ProgramHeader is the subset of an ELF64 program header the loader uses.
type ProgramHeader struct {
	Type     elf.ProgType
	Offset   uint64
	VirtAddr uint64
	PhysAddr uint64
	FileSize uint64
	MemSize  uint64
}

// Loadable reports whether the header describes a PT_LOAD segment.
func (p ProgramHeader) Loadable() bool { return p.Type == elf.PT_LOAD }

// KernelImage is a parsed kernel executable.
type KernelImage struct {
	Entry               uint64
	ProgramHeaderOffset uint64
	ProgramHeaders      []ProgramHeader
}

// ParseImage validates buf as a little-endian ELF64 x86-64 executable and
// returns its program headers. buf must hold the complete file.
func ParseImage(buf []byte) (*KernelImage, error) {
	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("open elf kernel: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("unsupported ELF class %s (want ELFCLASS64)", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("unsupported ELF data encoding %s (want little endian)", f.Data)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("unsupported ELF type %s (want ET_EXEC)", f.Type)
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported ELF machine %d (want x86_64)", f.Machine)
	}

	img := &KernelImage{
		Entry:               f.Entry,
		ProgramHeaderOffset: binary.LittleEndian.Uint64(buf[32:40]),
	}
	for _, prog := range f.Progs {
		ph := ProgramHeader{
			Type:     prog.Type,
			Offset:   prog.Off,
			VirtAddr: prog.Vaddr,
			PhysAddr: prog.Paddr,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
		}
		if ph.Loadable() {
			if ph.FileSize > ph.MemSize {
				return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", ph.FileSize, ph.MemSize)
			}
			if ph.Offset > uint64(len(buf)) || ph.FileSize > uint64(len(buf))-ph.Offset {
				return nil, fmt.Errorf("ELF segment @%#x+%#x past end of image (%#x bytes)", ph.Offset, ph.FileSize, len(buf))
			}
			if ph.MemSize > math.MaxUint64-ph.VirtAddr {
				return nil, fmt.Errorf("ELF segment @%#x+%#x overflows the address space", ph.VirtAddr, ph.MemSize)
			}
		}
		img.ProgramHeaders = append(img.ProgramHeaders, ph)
	}
	return img, nil
}

// LoadRange is the half-open span [First, Last) covered by the loadable
// segments.
type LoadRange struct {
	First uint64
	Last  uint64
}

// CalcLoadAddressRange folds the PT_LOAD headers into the span they occupy.
// Without loadable segments the result is not Valid.
func CalcLoadAddressRange(headers []ProgramHeader) LoadRange {
	r := LoadRange{First: math.MaxUint64, Last: 0}
	for _, ph := range headers {
		if !ph.Loadable() {
			continue
		}
		r.First = min(r.First, ph.VirtAddr)
		r.Last = max(r.Last, ph.VirtAddr+ph.MemSize)
	}
	return r
}

func (r LoadRange) Valid() bool { return r.First < r.Last }

// Base is First rounded down to a page boundary, the address handed to the
// allocator.
func (r LoadRange) Base() uint64 { return r.First &^ (efi.PageSize - 1) }

// Pages is the number of pages from Base that cover Last.
func (r LoadRange) Pages() uint64 {
	if !r.Valid() {
		return 0
	}
	return (r.Last - r.Base() + efi.PageSize - 1) / efi.PageSize
}

func (r LoadRange) String() string { return fmt.Sprintf("0x%x - 0x%x", r.First, r.Last) }

const zeroChunk = 4096

var zeroPage [zeroChunk]byte

// CopyLoadSegments places every PT_LOAD segment of image at its virtual
// address in mem: FileSize bytes from the image, then zeros up to MemSize.
// Segments are handled independently of their order in headers.
func CopyLoadSegments(mem io.WriterAt, image []byte, headers []ProgramHeader) error {
	for _, ph := range headers {
		if !ph.Loadable() {
			continue
		}
		if ph.FileSize > 0 {
			src := image[ph.Offset : ph.Offset+ph.FileSize]
			if _, err := mem.WriteAt(src, int64(ph.VirtAddr)); err != nil {
				return fmt.Errorf("copy segment @%#x: %w", ph.VirtAddr, err)
			}
		}
		for off := ph.FileSize; off < ph.MemSize; {
			n := min(ph.MemSize-off, zeroChunk)
			if _, err := mem.WriteAt(zeroPage[:n], int64(ph.VirtAddr+off)); err != nil {
				return fmt.Errorf("zero segment tail @%#x: %w", ph.VirtAddr+off, err)
			}
			off += n
		}
	}
	return nil
}

// ReadEntryAddress reads the 64-bit entry point stored at first+EntryOffset.
func ReadEntryAddress(mem io.ReaderAt, first uint64) (uint64, error) {
	var buf [8]byte
	if _, err := mem.ReadAt(buf[:], int64(first+EntryOffset)); err != nil {
		return 0, fmt.Errorf("read entry point @%#x: %w", first+EntryOffset, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
