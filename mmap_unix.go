//go:build !windows
// +build !windows

package boltkv

import (
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmap memory maps a DB's data file. Unlike the teacher's syscall-based
// mmap, this uses golang.org/x/sys/unix so the advise/lock calls below
// (Madvise, Flock) share one consistent import.
func mmap(db *DB, sz int) error {
	b, err := unix.Mmap(int(db.file.Fd()), 0, sz, syscall.PROT_READ, syscall.MAP_SHARED|db.MmapFlags)
	if err != nil {
		return err
	}

	if err := unix.Madvise(b, syscall.MADV_RANDOM); err != nil {
		return fmt.Errorf("madvise: %s", err)
	}

	db.dataref = b
	db.data = (*[maxMapSize]byte)(unsafe.Pointer(&b[0]))
	db.datasz = sz
	return nil
}

// munmap unmaps a DB's data file from memory.
func munmap(db *DB) error {
	if db.dataref == nil {
		return nil
	}
	err := unix.Munmap(db.dataref)
	db.dataref = nil
	db.data = nil
	db.datasz = 0
	return err
}

// flock acquires an advisory lock on a file descriptor, retrying a
// non-blocking attempt until timeoutMs elapses (0 means block
// indefinitely on a plain, non-polling Flock).
func flock(db *DB, exclusive bool, timeoutMs int) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	if timeoutMs <= 0 {
		return unix.Flock(int(db.file.Fd()), how)
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		err := unix.Flock(int(db.file.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK {
			return err
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases an advisory lock on a file descriptor.
func funlock(db *DB) error {
	return unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
}

// mmapFileSize returns the size of the underlying file, following
// symlinks, matching bbolt-family Stat usage.
func mmapFileSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
