package firmware

import (
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/tinyrange/bringup/internal/efi"
)

// Volume is a simple file system the loader image was read from.
type Volume interface {
	Root() (efi.File, error)
}

// cleanName converts an EFI path (`\dir\file`) to a slash-separated name
// relative to the volume root. Paths cannot climb above the root.
func cleanName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

// MemVolume is an in-memory volume.
type MemVolume struct {
	mu    sync.Mutex
	files map[string][]byte
}

var _ Volume = (*MemVolume)(nil)

func NewMemVolume() *MemVolume {
	return &MemVolume{files: make(map[string][]byte)}
}

// Put stores a file, replacing any previous contents.
func (v *MemVolume) Put(name string, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[cleanName(name)] = append([]byte(nil), data...)
}

// Get returns a copy of a file.
func (v *MemVolume) Get(name string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok := v.files[cleanName(name)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Names lists the files on the volume.
func (v *MemVolume) Names() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	names := make([]string, 0, len(v.files))
	for name := range v.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (v *MemVolume) Root() (efi.File, error) {
	return &memFile{vol: v, dir: true}, nil
}

type memFile struct {
	vol    *MemVolume
	name   string
	dir    bool
	mode   efi.OpenMode
	pos    int
	closed bool
}

func (f *memFile) Open(name string, mode efi.OpenMode) (efi.File, error) {
	if f.closed {
		return nil, efi.InvalidParameter
	}
	if !f.dir {
		return nil, efi.Unsupported
	}
	if mode&efi.FileModeRead == 0 {
		return nil, efi.InvalidParameter
	}
	key := cleanName(path.Join(f.name, cleanName(name)))
	if key == "" {
		return &memFile{vol: f.vol, dir: true, mode: mode}, nil
	}

	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()
	_, ok := f.vol.files[key]
	switch {
	case mode&efi.FileModeCreate != 0:
		// Files opened for creation start empty.
		f.vol.files[key] = nil
	case !ok:
		return nil, efi.NotFound
	}
	return &memFile{vol: f.vol, name: key, mode: mode}, nil
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.closed || f.dir {
		return 0, efi.DeviceError
	}
	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()
	data := f.vol.files[f.name]
	if f.pos >= len(data) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, data[f.pos:])
	f.pos += n
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.closed || f.dir {
		return 0, efi.DeviceError
	}
	if f.mode&efi.FileModeWrite == 0 {
		return 0, efi.AccessDenied
	}
	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()
	data := f.vol.files[f.name]
	if end := f.pos + len(p); end > len(data) {
		data = append(data, make([]byte, end-len(data))...)
	}
	copy(data[f.pos:], p)
	f.vol.files[f.name] = data
	f.pos += len(p)
	return len(p), nil
}

func (f *memFile) Info() (efi.FileInfo, error) {
	if f.closed {
		return efi.FileInfo{}, efi.InvalidParameter
	}
	if f.dir {
		return efi.FileInfo{FileName: f.name, Attribute: efi.FileDirectory}, nil
	}
	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()
	size := uint64(len(f.vol.files[f.name]))
	return efi.FileInfo{
		FileName:     path.Base(f.name),
		FileSize:     size,
		PhysicalSize: (size + efi.PageSize - 1) &^ (efi.PageSize - 1),
	}, nil
}

func (f *memFile) Close() error {
	if f.closed {
		return efi.InvalidParameter
	}
	f.closed = true
	return nil
}
