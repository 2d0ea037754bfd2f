package browser

import (
	"github.com/alecthomas/errors"
)

var ErrInvalidMode = errors.New("mode must be one of read, write, execute, r, w, x")

type accessMode uint32

const (
	accessRead accessMode = 1 << iota
	accessWrite
	accessExecute
)

var modes = map[string]accessMode{
	"read": accessRead, "r": accessRead,
	"write": accessWrite, "w": accessWrite,
	"execute": accessExecute, "x": accessExecute,
}

// HasAccess reports whether the current user has the given access to path.
func HasAccess(path, mode string) (bool, error) {
	m, ok := modes[mode]
	if !ok {
		return false, errors.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return access(path, m), nil
}
