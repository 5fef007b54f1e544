//go:build !linux

package physmem

import "errors"

func allocate(base, size uint64, opts Options) ([]byte, func() error, error) {
	if opts.Identity || opts.Executable {
		return nil, nil, errors.New("identity and executable mappings need linux")
	}
	return make([]byte, size), nil, nil
}
