package boltkv

import "unsafe"

// unsafeByteSlice returns a byte slice backed by ptr, covering [offset+from,
// offset+to). Used to view a page struct as the raw bytes tx.write flushes
// to disk without an intervening copy.
func unsafeByteSlice(ptr unsafe.Pointer, offset uintptr, from, to int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr)+offset+uintptr(from))), to-from)
}
