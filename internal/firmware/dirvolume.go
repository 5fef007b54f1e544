package firmware

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/bringup/internal/efi"
)

// DirVolume exposes a host directory as the boot volume.
type DirVolume struct {
	dir string
	// Progress draws a progress bar while files opened read-only are read.
	Progress bool
}

var _ Volume = (*DirVolume)(nil)

func NewDirVolume(dir string) (*DirVolume, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open volume directory: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("volume %s is not a directory", dir)
	}
	return &DirVolume{dir: dir}, nil
}

func (v *DirVolume) Dir() string { return v.dir }

func (v *DirVolume) Root() (efi.File, error) {
	return &dirFile{vol: v, dir: true}, nil
}

type dirFile struct {
	vol  *DirVolume
	name string
	dir  bool
	mode efi.OpenMode

	f   *os.File
	r   io.Reader
	bar *progressbar.ProgressBar
}

func statusFromError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return efi.NotFound
	case errors.Is(err, fs.ErrPermission):
		return efi.AccessDenied
	case errors.Is(err, io.EOF):
		return err
	default:
		return fmt.Errorf("%w: %v", efi.DeviceError, err)
	}
}

func (f *dirFile) hostPath(name string) string {
	return filepath.Join(f.vol.dir, filepath.FromSlash(name))
}

func (f *dirFile) Open(name string, mode efi.OpenMode) (efi.File, error) {
	if !f.dir {
		return nil, efi.Unsupported
	}
	if mode&efi.FileModeRead == 0 {
		return nil, efi.InvalidParameter
	}
	key := cleanName(f.name + "/" + cleanName(name))
	if key == "" {
		return &dirFile{vol: f.vol, dir: true, mode: mode}, nil
	}
	hostPath := f.hostPath(key)

	if st, err := os.Stat(hostPath); err == nil && st.IsDir() {
		return &dirFile{vol: f.vol, name: key, dir: true, mode: mode}, nil
	}

	flags := os.O_RDONLY
	switch {
	case mode&efi.FileModeCreate != 0:
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case mode&efi.FileModeWrite != 0:
		flags = os.O_RDWR
	}
	file, err := os.OpenFile(hostPath, flags, 0o644)
	if err != nil {
		return nil, statusFromError(err)
	}
	out := &dirFile{vol: f.vol, name: key, mode: mode, f: file, r: file}
	if f.vol.Progress && flags == os.O_RDONLY {
		if st, err := file.Stat(); err == nil {
			out.bar = progressbar.DefaultBytes(st.Size(), "read "+key)
			out.r = io.TeeReader(file, out.bar)
		}
	}
	return out, nil
}

func (f *dirFile) Read(p []byte) (int, error) {
	if f.dir {
		return 0, efi.DeviceError
	}
	n, err := f.r.Read(p)
	if err != nil {
		return n, statusFromError(err)
	}
	return n, nil
}

func (f *dirFile) Write(p []byte) (int, error) {
	if f.dir {
		return 0, efi.DeviceError
	}
	if f.mode&efi.FileModeWrite == 0 {
		return 0, efi.AccessDenied
	}
	n, err := f.f.Write(p)
	if err != nil {
		return n, statusFromError(err)
	}
	return n, nil
}

func (f *dirFile) Info() (efi.FileInfo, error) {
	st, err := os.Stat(f.hostPath(f.name))
	if err != nil {
		return efi.FileInfo{}, statusFromError(err)
	}
	info := efi.FileInfo{
		FileName:     st.Name(),
		FileSize:     uint64(st.Size()),
		PhysicalSize: (uint64(st.Size()) + efi.PageSize - 1) &^ (efi.PageSize - 1),
	}
	if st.IsDir() {
		info.FileSize = 0
		info.PhysicalSize = 0
		info.Attribute |= efi.FileDirectory
	}
	if st.Mode().Perm()&0o200 == 0 {
		info.Attribute |= efi.FileReadOnly
	}
	return info, nil
}

func (f *dirFile) Close() error {
	if f.bar != nil {
		f.bar.Close()
		f.bar = nil
	}
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	if err != nil {
		return statusFromError(err)
	}
	return nil
}
