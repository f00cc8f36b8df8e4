//go:build windows
// +build windows

package boltkv

import (
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"
)

// mmap memory maps a DB's data file on Windows via CreateFileMapping /
// MapViewOfFile, since there is no mmap(2) syscall on this platform.
func mmap(db *DB, sz int) error {
	if !db.readOnly {
		if err := db.file.Truncate(int64(sz)); err != nil {
			return fmt.Errorf("truncate: %s", err)
		}
	}

	sizehi := uint32(sz >> 32)
	sizelo := uint32(sz) & 0xffffffff

	h, errno := syscall.CreateFileMapping(syscall.Handle(db.file.Fd()), nil, syscall.PAGE_READONLY, sizehi, sizelo, nil)
	if h == 0 {
		return os.NewSyscallError("CreateFileMapping", errno)
	}

	addr, errno := syscall.MapViewOfFile(h, syscall.FILE_MAP_READ, 0, 0, uintptr(sz))
	if addr == 0 {
		_ = syscall.CloseHandle(h)
		return os.NewSyscallError("MapViewOfFile", errno)
	}

	if err := syscall.CloseHandle(syscall.Handle(h)); err != nil {
		return os.NewSyscallError("CloseHandle", err)
	}

	db.data = (*[maxMapSize]byte)(unsafe.Pointer(addr))
	db.dataref = nil
	db.datasz = sz
	db.mapAddr = addr
	return nil
}

// munmap unmaps a DB's data file from memory.
func munmap(db *DB) error {
	if db.data == nil {
		return nil
	}
	addr := db.mapAddr
	db.data = nil
	db.dataref = nil
	db.datasz = 0
	db.mapAddr = 0
	if err := syscall.UnmapViewOfFile(addr); err != nil {
		return os.NewSyscallError("UnmapViewOfFile", err)
	}
	return nil
}

// flock acquires an advisory lock on a file descriptor using LockFileEx,
// retrying until timeoutMs elapses (0 means block indefinitely).
func flock(db *DB, exclusive bool, timeoutMs int) error {
	var flags uint32 = syscall.LOCKFILE_FAIL_IMMEDIATELY
	if exclusive {
		flags |= syscall.LOCKFILE_EXCLUSIVE_LOCK
	}

	if timeoutMs <= 0 {
		var ol syscall.Overlapped
		return syscall.LockFileEx(syscall.Handle(db.file.Fd()), flags&^syscall.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ol)
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		var ol syscall.Overlapped
		err := syscall.LockFileEx(syscall.Handle(db.file.Fd()), flags, 0, 1, 0, &ol)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases an advisory lock on a file descriptor.
func funlock(db *DB) error {
	var ol syscall.Overlapped
	return syscall.UnlockFileEx(syscall.Handle(db.file.Fd()), 0, 1, 0, &ol)
}

func mmapFileSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
