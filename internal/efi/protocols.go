package efi

import "io"

// OpenMode is the EFI_FILE_PROTOCOL.Open mode bitmask.
type OpenMode uint64

const (
	FileModeRead   OpenMode = 0x0000000000000001
	FileModeWrite  OpenMode = 0x0000000000000002
	FileModeCreate OpenMode = 0x8000000000000000
)

// File attribute bits.
const (
	FileReadOnly  = 0x01
	FileHidden    = 0x02
	FileSystem    = 0x04
	FileDirectory = 0x10
	FileArchive   = 0x20
)

// FileInfo mirrors EFI_FILE_INFO.
type FileInfo struct {
	FileName     string
	FileSize     uint64
	PhysicalSize uint64
	Attribute    uint64
}

// File is EFI_FILE_PROTOCOL. A volume root is a File as well.
type File interface {
	Open(name string, mode OpenMode) (File, error)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Info() (FileInfo, error)
	Close() error
}

// PixelFormat is EFI_GRAPHICS_PIXEL_FORMAT.
type PixelFormat uint32

const (
	PixelRedGreenBlueReserved8BitPerColor PixelFormat = iota
	PixelBlueGreenRedReserved8BitPerColor
	PixelBitMask
	PixelBltOnly
	PixelFormatMax
)

func (f PixelFormat) String() string {
	switch f {
	case PixelRedGreenBlueReserved8BitPerColor:
		return "PixelRedGreenBlueReserved8BitPerColor"
	case PixelBlueGreenRedReserved8BitPerColor:
		return "PixelBlueGreenRedReserved8BitPerColor"
	case PixelBitMask:
		return "PixelBitMask"
	case PixelBltOnly:
		return "PixelBltOnly"
	case PixelFormatMax:
		return "PixelFormatMax"
	default:
		return "InvalidPixelFormat"
	}
}

// ModeInformation is EFI_GRAPHICS_OUTPUT_MODE_INFORMATION.
type ModeInformation struct {
	Version              uint32
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelFormat          PixelFormat
	PixelsPerScanLine    uint32
}

// GraphicsMode is EFI_GRAPHICS_OUTPUT_PROTOCOL_MODE.
type GraphicsMode struct {
	MaxMode         uint32
	Mode            uint32
	Info            ModeInformation
	FrameBufferBase uint64
	FrameBufferSize uint64
}

// GraphicsOutput is EFI_GRAPHICS_OUTPUT_PROTOCOL.
type GraphicsOutput interface {
	Mode() GraphicsMode
}

// BootServices is the part of EFI_BOOT_SERVICES the loader calls. Protocol
// lookups that the C interface does through OpenProtocol are collapsed into
// OpenVolume and LocateGraphicsOutput.
type BootServices interface {
	GetMemoryMap(buf []byte) (MemoryMapInfo, error)
	AllocatePages(typ AllocateType, mem MemoryType, pages uint64, addr uint64) (uint64, error)
	FreePages(addr uint64, pages uint64) error
	AllocatePool(mem MemoryType, size uint64) (uint64, error)
	FreePool(addr uint64) error

	// OpenVolume opens the root directory of the volume the loader image
	// was read from.
	OpenVolume() (File, error)
	// LocateGraphicsOutput returns the first graphics output handle.
	LocateGraphicsOutput() (GraphicsOutput, error)

	ExitBootServices(mapKey uint64) error
}

// Memory is byte-addressable physical memory, identity mapped while boot
// services run.
type Memory interface {
	io.ReaderAt
	io.WriterAt
	Slice(addr, size uint64) ([]byte, error)
}

// System is the loader's view of EFI_SYSTEM_TABLE.
type System struct {
	ConOut       io.Writer
	BootServices BootServices
	Memory       Memory
}
