//go:build windows || plan9 || openbsd
// +build windows plan9 openbsd

package boltkv

// fdatasync flushes written data to a file descriptor. Windows, plan9, and
// openbsd have no fdatasync(2) equivalent exposed to Go, so a full Sync
// stands in, matching the teacher's boltsync_unix.go fallback.
func fdatasync(db *DB) error {
	return db.file.Sync()
}
