//go:build !unix

package browser

import "os"

// access approximates the check from permission bits where access(2) is
// unavailable.
func access(path string, mode accessMode) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	perm := info.Mode().Perm()
	switch mode {
	case accessWrite:
		return perm&0o200 != 0
	case accessExecute:
		return perm&0o100 != 0 || info.IsDir()
	default:
		f, err := os.Open(path)
		if err != nil {
			return false
		}
		_ = f.Close()
		return true
	}
}
