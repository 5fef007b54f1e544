// Package physmem models guest physical memory as a set of host-backed
// regions addressed by physical address.
package physmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnmapped = errors.New("physical address not mapped")
	ErrOverlap  = errors.New("physical region overlaps existing mapping")
)

// Options controls how a RAM region is backed on the host.
type Options struct {
	// Identity places the region at the host virtual address equal to its
	// physical base so code linked for that address can run in-process.
	Identity bool
	// Executable maps the region with execute permission.
	Executable bool
}

// RAM is a contiguous block of guest physical memory.
type RAM struct {
	name    string
	base    uint64
	mem     []byte
	release func() error
}

// NewRAM allocates size bytes of memory at physical address base.
func NewRAM(name string, base, size uint64, opts Options) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("physmem: region %q has zero size", name)
	}
	if base+size < base {
		return nil, fmt.Errorf("physmem: region %q [%#x, +%#x) wraps", name, base, size)
	}
	mem, release, err := allocate(base, size, opts)
	if err != nil {
		return nil, fmt.Errorf("physmem: allocate %q: %w", name, err)
	}
	return &RAM{name: name, base: base, mem: mem, release: release}, nil
}

func (r *RAM) Name() string  { return r.name }
func (r *RAM) Base() uint64  { return r.base }
func (r *RAM) Size() uint64  { return uint64(len(r.mem)) }
func (r *RAM) End() uint64   { return r.base + uint64(len(r.mem)) }
func (r *RAM) Bytes() []byte { return r.mem }

// Contains reports whether [addr, addr+n) lies inside the region.
func (r *RAM) Contains(addr, n uint64) bool {
	if addr < r.base {
		return false
	}
	end := addr + n
	if end < addr {
		return false
	}
	return end <= r.End()
}

// Slice returns a view of [addr, addr+n). Writes through the view land in
// guest memory.
func (r *RAM) Slice(addr, n uint64) ([]byte, error) {
	if !r.Contains(addr, n) {
		return nil, fmt.Errorf("%w: [%#x, +%#x) outside %s", ErrUnmapped, addr, n, r.name)
	}
	off := addr - r.base
	return r.mem[off : off+n : off+n], nil
}

// ReadAt implements io.ReaderAt with off interpreted as a physical address.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	view, err := r.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, view), nil
}

// WriteAt implements io.WriterAt with off interpreted as a physical address.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	view, err := r.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(view, p), nil
}

// Close releases the host backing. The region must not be used afterwards.
func (r *RAM) Close() error {
	if r.release == nil {
		return nil
	}
	err := r.release()
	r.release = nil
	r.mem = nil
	return err
}

// Bus routes physical accesses to the region that owns the address.
type Bus struct {
	mu      sync.RWMutex
	regions []*RAM
}

// Map attaches a region to the bus.
func (b *Bus) Map(r *RAM) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.regions {
		if r.base < existing.End() && existing.base < r.End() {
			return fmt.Errorf("%w: %s [%#x, %#x) and %s [%#x, %#x)", ErrOverlap,
				r.name, r.base, r.End(), existing.name, existing.base, existing.End())
		}
	}
	b.regions = append(b.regions, r)
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].base < b.regions[j].base })
	return nil
}

// Regions returns the mapped regions in address order.
func (b *Bus) Regions() []*RAM {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*RAM(nil), b.regions...)
}

func (b *Bus) lookup(addr, n uint64) (*RAM, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.regions {
		if r.Contains(addr, n) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: [%#x, +%#x)", ErrUnmapped, addr, n)
}

// Slice returns a view of [addr, addr+n), which must not straddle regions.
func (b *Bus) Slice(addr, n uint64) ([]byte, error) {
	r, err := b.lookup(addr, n)
	if err != nil {
		return nil, err
	}
	return r.Slice(addr, n)
}

// ReadAt implements io.ReaderAt.
func (b *Bus) ReadAt(p []byte, off int64) (int, error) {
	r, err := b.lookup(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return r.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (b *Bus) WriteAt(p []byte, off int64) (int, error) {
	r, err := b.lookup(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return r.WriteAt(p, off)
}

// Close releases every region on the bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, r := range b.regions {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.regions = nil
	return errors.Join(errs...)
}
