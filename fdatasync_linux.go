//go:build linux
// +build linux

package boltkv

import "golang.org/x/sys/unix"

// fdatasync flushes written data to a file descriptor using the
// data-only Linux syscall, skipping the metadata sync fdatasync(2)
// deliberately omits.
func fdatasync(db *DB) error {
	return unix.Fdatasync(int(db.file.Fd()))
}
