//go:build !unix

package durable

import "os"

// Advisory locking is only available on unix; elsewhere the lock file is
// created but not held.
func lockDir(path string) (func() error, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return file.Close, nil
}
