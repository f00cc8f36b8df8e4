package common

import "unsafe"

func unsafeAdd(base unsafe.Pointer, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset)
}

func unsafeIndex(base unsafe.Pointer, offset uintptr, elemsz uintptr, n int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset + uintptr(n)*elemsz)
}

// unsafeByteSlice returns a byte slice backed by ptr, starting at offset+from
// and running to offset+to.
func unsafeByteSlice(ptr unsafe.Pointer, offset uintptr, from, to int) []byte {
	return unsafe.Slice((*byte)(unsafeAdd(ptr, offset+uintptr(from))), to-from)
}

// unsafeSlice turns ptr into a slice of n elements of T, assigning it into
// the slice header pointed to by dst.
func unsafeSlice(dst unsafe.Pointer, ptr unsafe.Pointer, n int) {
	(*unsafeSliceHeader)(dst).Data = ptr
	(*unsafeSliceHeader)(dst).Len = n
	(*unsafeSliceHeader)(dst).Cap = n
}

type unsafeSliceHeader struct {
	Data unsafe.Pointer
	Len  int
	Cap  int
}
