//go:build !unix

package server

import "os"

// lockEnv only creates the lock file; without flock two processes are not
// kept apart.
func lockEnv(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
}

func unlockEnv(f *os.File) error {
	return f.Close()
}
