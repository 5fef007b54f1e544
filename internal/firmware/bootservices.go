package firmware

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/tinyrange/bringup/internal/efi"
)

// DefaultDescriptorSize is the stride OVMF reports, larger than the
// descriptor itself.
const DefaultDescriptorSize = 48

const ramAttributes = efi.MemoryUC | efi.MemoryWC | efi.MemoryWT | efi.MemoryWB

// BootServices is a simulated EFI_BOOT_SERVICES backed by a descriptor list.
// Every allocation or free changes the map key.
type BootServices struct {
	mu sync.Mutex

	descs          []efi.MemoryDescriptor
	descriptorSize uint64
	mapKey         uint64

	pages map[uint64]uint64 // AllocatePages base -> page count
	pools map[uint64]uint64 // AllocatePool base -> page count

	// pendingEvents is the number of ExitBootServices calls that race with
	// a firmware event allocating memory.
	pendingEvents int
	exited        bool

	volume Volume
	gop    efi.GraphicsOutput
}

var _ efi.BootServices = (*BootServices)(nil)

func newBootServices(descs []efi.MemoryDescriptor, descriptorSize uint64) *BootServices {
	if descriptorSize < efi.MemoryDescriptorSize {
		descriptorSize = DefaultDescriptorSize
	}
	bs := &BootServices{
		descs:          slices.Clone(descs),
		descriptorSize: descriptorSize,
		mapKey:         1,
		pages:          make(map[uint64]uint64),
		pools:          make(map[uint64]uint64),
	}
	slices.SortFunc(bs.descs, func(a, b efi.MemoryDescriptor) int {
		switch {
		case a.PhysicalStart < b.PhysicalStart:
			return -1
		case a.PhysicalStart > b.PhysicalStart:
			return 1
		}
		return 0
	})
	bs.coalesce()
	return bs
}

// Descriptors returns a copy of the current map.
func (bs *BootServices) Descriptors() []efi.MemoryDescriptor {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return slices.Clone(bs.descs)
}

// MapKey returns the current map key.
func (bs *BootServices) MapKey() uint64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.mapKey
}

// Exited reports whether ExitBootServices has succeeded.
func (bs *BootServices) Exited() bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.exited
}

// Outstanding returns the number of live page and pool allocations.
func (bs *BootServices) Outstanding() (pages, pools int) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.pages), len(bs.pools)
}

// SetPendingEvents makes the next n ExitBootServices calls observe a memory
// map change made by a firmware event.
func (bs *BootServices) SetPendingEvents(n int) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.pendingEvents = n
}

func (bs *BootServices) GetMemoryMap(buf []byte) (efi.MemoryMapInfo, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.exited {
		return efi.MemoryMapInfo{}, efi.Unsupported
	}
	info := efi.MemoryMapInfo{
		MapSize:           uint64(len(bs.descs)) * bs.descriptorSize,
		MapKey:            bs.mapKey,
		DescriptorSize:    bs.descriptorSize,
		DescriptorVersion: 1,
	}
	if uint64(len(buf)) < info.MapSize {
		return info, efi.BufferTooSmall
	}
	for i, d := range bs.descs {
		slot := buf[uint64(i)*bs.descriptorSize : uint64(i+1)*bs.descriptorSize]
		clear(slot)
		if err := d.MarshalTo(slot); err != nil {
			return info, err
		}
	}
	return info, nil
}

func validAllocationType(mem efi.MemoryType) bool {
	if mem >= 0x70000000 {
		// OEM and OS loader reserved ranges.
		return true
	}
	return mem < efi.MaxMemoryType && mem != efi.ConventionalMemory && mem != efi.PersistentMemory
}

func (bs *BootServices) AllocatePages(typ efi.AllocateType, mem efi.MemoryType, pages uint64, addr uint64) (uint64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	base, err := bs.allocatePages(typ, mem, pages, addr)
	if err != nil {
		slog.Debug("firmware: allocate pages failed", "type", typ, "memory", mem, "pages", pages, "addr", fmt.Sprintf("%#x", addr), "err", err)
		return 0, err
	}
	bs.pages[base] = pages
	return base, nil
}

func (bs *BootServices) allocatePages(typ efi.AllocateType, mem efi.MemoryType, pages uint64, addr uint64) (uint64, error) {
	if bs.exited {
		return 0, efi.Unsupported
	}
	if pages == 0 || pages > math.MaxUint64/efi.PageSize || !validAllocationType(mem) {
		return 0, efi.InvalidParameter
	}
	size := pages * efi.PageSize

	switch typ {
	case efi.AllocateAddress:
		if addr%efi.PageSize != 0 || addr > math.MaxUint64-size {
			return 0, efi.InvalidParameter
		}
		for i, d := range bs.descs {
			if d.Type == efi.ConventionalMemory && d.PhysicalStart <= addr && addr+size <= d.PhysicalEnd() {
				bs.retype(i, addr, pages, mem)
				return addr, nil
			}
		}
		return 0, efi.NotFound
	case efi.AllocateAnyPages, efi.AllocateMaxAddress:
		limit := uint64(math.MaxUint64)
		if typ == efi.AllocateMaxAddress {
			limit = addr
		}
		for i := len(bs.descs) - 1; i >= 0; i-- {
			d := bs.descs[i]
			if d.Type != efi.ConventionalMemory {
				continue
			}
			top := d.PhysicalEnd()
			if limit != math.MaxUint64 {
				top = min(top, (limit+1)&^(efi.PageSize-1))
			}
			if top < d.PhysicalStart || top-d.PhysicalStart < size {
				continue
			}
			base := top - size
			bs.retype(i, base, pages, mem)
			return base, nil
		}
		return 0, efi.OutOfResources
	default:
		return 0, efi.InvalidParameter
	}
}

func (bs *BootServices) FreePages(addr uint64, pages uint64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.exited {
		return efi.Unsupported
	}
	if addr%efi.PageSize != 0 {
		return efi.InvalidParameter
	}
	if n, ok := bs.pages[addr]; !ok || n != pages {
		return efi.NotFound
	}
	if err := bs.release(addr, pages); err != nil {
		return err
	}
	delete(bs.pages, addr)
	return nil
}

func (bs *BootServices) AllocatePool(mem efi.MemoryType, size uint64) (uint64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if size > math.MaxUint64-efi.PageSize {
		return 0, efi.OutOfResources
	}
	pages := max(1, (size+efi.PageSize-1)/efi.PageSize)
	base, err := bs.allocatePages(efi.AllocateAnyPages, mem, pages, 0)
	if err != nil {
		return 0, err
	}
	bs.pools[base] = pages
	return base, nil
}

func (bs *BootServices) FreePool(addr uint64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.exited {
		return efi.Unsupported
	}
	pages, ok := bs.pools[addr]
	if !ok {
		return efi.InvalidParameter
	}
	if err := bs.release(addr, pages); err != nil {
		return err
	}
	delete(bs.pools, addr)
	return nil
}

func (bs *BootServices) release(addr, pages uint64) error {
	end := addr + pages*efi.PageSize
	for i, d := range bs.descs {
		if d.PhysicalStart <= addr && end <= d.PhysicalEnd() {
			if d.Type == efi.ConventionalMemory {
				return efi.NotFound
			}
			bs.retype(i, addr, pages, efi.ConventionalMemory)
			return nil
		}
	}
	return efi.NotFound
}

// retype changes the type of [start, start+pages) inside descriptor i,
// splitting it as needed, and invalidates the map key.
func (bs *BootServices) retype(i int, start, pages uint64, typ efi.MemoryType) {
	d := bs.descs[i]
	end := start + pages*efi.PageSize

	var out []efi.MemoryDescriptor
	if start > d.PhysicalStart {
		out = append(out, efi.MemoryDescriptor{
			Type:          d.Type,
			PhysicalStart: d.PhysicalStart,
			NumberOfPages: (start - d.PhysicalStart) / efi.PageSize,
			Attribute:     d.Attribute,
		})
	}
	out = append(out, efi.MemoryDescriptor{
		Type:          typ,
		PhysicalStart: start,
		NumberOfPages: pages,
		Attribute:     d.Attribute,
	})
	if end < d.PhysicalEnd() {
		out = append(out, efi.MemoryDescriptor{
			Type:          d.Type,
			PhysicalStart: end,
			NumberOfPages: (d.PhysicalEnd() - end) / efi.PageSize,
			Attribute:     d.Attribute,
		})
	}
	bs.descs = slices.Replace(bs.descs, i, i+1, out...)
	bs.coalesce()
	bs.mapKey++
}

func (bs *BootServices) coalesce() {
	if len(bs.descs) == 0 {
		return
	}
	out := bs.descs[:1]
	for _, d := range bs.descs[1:] {
		last := &out[len(out)-1]
		if last.Type == d.Type && last.Attribute == d.Attribute && last.PhysicalEnd() == d.PhysicalStart {
			last.NumberOfPages += d.NumberOfPages
			continue
		}
		out = append(out, d)
	}
	bs.descs = out
}

func (bs *BootServices) OpenVolume() (efi.File, error) {
	bs.mu.Lock()
	vol, exited := bs.volume, bs.exited
	bs.mu.Unlock()

	if exited {
		return nil, efi.Unsupported
	}
	if vol == nil {
		return nil, efi.NotFound
	}
	return vol.Root()
}

func (bs *BootServices) LocateGraphicsOutput() (efi.GraphicsOutput, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.exited {
		return nil, efi.Unsupported
	}
	if bs.gop == nil {
		return nil, efi.NotFound
	}
	return bs.gop, nil
}

func (bs *BootServices) ExitBootServices(mapKey uint64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.exited {
		return efi.Unsupported
	}
	if bs.pendingEvents > 0 {
		bs.pendingEvents--
		// A timer callback grabbing a page is enough to move the key.
		if _, err := bs.allocatePages(efi.AllocateAnyPages, efi.BootServicesData, 1, 0); err != nil {
			bs.mapKey++
		}
		slog.Debug("firmware: event changed memory map", "key", bs.mapKey)
	}
	if mapKey != bs.mapKey {
		return efi.InvalidParameter
	}
	bs.exited = true
	slog.Info("firmware: boot services terminated", "key", mapKey)
	return nil
}
