// Package efi describes the subset of the UEFI boot-time interface the loader
// depends on: status codes, memory map layout, file and graphics protocols.
package efi

import "fmt"

// Status is an EFI_STATUS value. Error codes carry the high bit.
type Status uint64

const errorBit = 1 << 63

const (
	Success          Status = 0
	LoadError        Status = errorBit | 1
	InvalidParameter Status = errorBit | 2
	Unsupported      Status = errorBit | 3
	BadBufferSize    Status = errorBit | 4
	BufferTooSmall   Status = errorBit | 5
	NotReady         Status = errorBit | 6
	DeviceError      Status = errorBit | 7
	WriteProtected   Status = errorBit | 8
	OutOfResources   Status = errorBit | 9
	VolumeCorrupted  Status = errorBit | 10
	VolumeFull       Status = errorBit | 11
	NoMedia          Status = errorBit | 12
	MediaChanged     Status = errorBit | 13
	NotFound         Status = errorBit | 14
	AccessDenied     Status = errorBit | 15
	EndOfFile        Status = errorBit | 31
)

var statusNames = map[Status]string{
	Success:          "Success",
	LoadError:        "Load Error",
	InvalidParameter: "Invalid Parameter",
	Unsupported:      "Unsupported",
	BadBufferSize:    "Bad Buffer Size",
	BufferTooSmall:   "Buffer Too Small",
	NotReady:         "Not Ready",
	DeviceError:      "Device Error",
	WriteProtected:   "Write Protected",
	OutOfResources:   "Out of Resources",
	VolumeCorrupted:  "Volume Corrupt",
	VolumeFull:       "Volume Full",
	NoMedia:          "No Media",
	MediaChanged:     "Media changed",
	NotFound:         "Not Found",
	AccessDenied:     "Access Denied",
	EndOfFile:        "End of File",
}

// IsError reports whether s is an error status.
func (s Status) IsError() bool { return s&errorBit != 0 }

// Error renders the status the way firmware prints it with %r.
func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	if s.IsError() {
		return fmt.Sprintf("Error %#x", uint64(s&^errorBit))
	}
	return fmt.Sprintf("Warning %#x", uint64(s))
}

// Err returns nil for non-error statuses and s otherwise.
func (s Status) Err() error {
	if !s.IsError() {
		return nil
	}
	return s
}
