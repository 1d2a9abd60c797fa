//go:build !unix

package fs

import "errors"

// Callers treat an unknown free space as sufficient.
func freeSpace(string) (uint64, error) {
	return 0, errors.New("free space unavailable on this platform")
}
