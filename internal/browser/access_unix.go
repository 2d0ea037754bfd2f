//go:build unix

package browser

import "golang.org/x/sys/unix"

func access(path string, mode accessMode) bool {
	var m uint32
	if mode&accessRead != 0 {
		m |= unix.R_OK
	}
	if mode&accessWrite != 0 {
		m |= unix.W_OK
	}
	if mode&accessExecute != 0 {
		m |= unix.X_OK
	}
	return unix.Access(path, m) == nil
}
