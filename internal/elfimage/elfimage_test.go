package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

func TestKernelImageParses(t *testing.T) {
	text := []byte{0xf4, 0xeb, 0xfd} // hlt; jmp .-1
	img := Kernel(0x100000, text, 0x3000)

	f, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 || f.Type != elf.ET_EXEC {
		t.Fatalf("header = %v/%v/%v", f.Class, f.Machine, f.Type)
	}
	if f.Entry != 0x101000 {
		t.Fatalf("entry = %#x, want 0x101000", f.Entry)
	}
	if got := binary.LittleEndian.Uint64(img[24:]); got != f.Entry {
		t.Fatalf("e_entry at offset 24 = %#x, want %#x", got, f.Entry)
	}

	var loads []*elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			loads = append(loads, p)
		}
	}
	if len(loads) != 2 {
		t.Fatalf("PT_LOAD count = %d, want 2", len(loads))
	}
	if loads[0].Off != 0 || loads[0].Vaddr != 0x100000 || loads[0].Filesz != 0x1003 {
		t.Fatalf("text segment = %+v", loads[0].ProgHeader)
	}
	if loads[1].Vaddr != 0x102000 || loads[1].Filesz != 0 || loads[1].Memsz != 0x3000 {
		t.Fatalf("bss segment = %+v", loads[1].ProgHeader)
	}
	if !bytes.Equal(img[0x1000:0x1003], text) {
		t.Fatalf("text not at page offset: % x", img[0x1000:0x1003])
	}
}

func TestBuilderSizesToLastSegment(t *testing.T) {
	b := &Builder{Entry: 0x1000}
	b.Progs = []elf.ProgHeader{{Type: elf.PT_LOAD, Off: 0x2000, Filesz: 0x10, Memsz: 0x10}}
	if got := len(b.Bytes()); got != 0x2010 {
		t.Fatalf("len = %#x, want 0x2010", got)
	}
}
