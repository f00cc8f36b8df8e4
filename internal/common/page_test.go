package common

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestPageTyp(t *testing.T) {
	var p Page
	p.Flags = BranchPageFlag
	assert.Equal(t, "branch", p.Typ())
	p.Flags = LeafPageFlag
	assert.Equal(t, "leaf", p.Typ())
	p.Flags = MetaPageFlag
	assert.Equal(t, "meta", p.Typ())
	p.Flags = FreelistPageFlag
	assert.Equal(t, "freelist", p.Typ())
}

func TestMergePgidsDisjoint(t *testing.T) {
	a := Pgids{1, 3, 5, 9}
	b := Pgids{2, 4, 6, 7}
	dst := make(Pgids, len(a)+len(b))
	MergePgids(dst, a, b)
	assert.Equal(t, Pgids{1, 2, 3, 4, 5, 6, 7, 9}, dst)
}

func TestMergePgidsEmptySide(t *testing.T) {
	a := Pgids{1, 2, 3}
	dst := make(Pgids, len(a))
	MergePgids(dst, a, nil)
	assert.Equal(t, a, dst)

	dst2 := make(Pgids, len(a))
	MergePgids(dst2, nil, a)
	assert.Equal(t, a, dst2)
}

func TestPgidsMerge(t *testing.T) {
	a := Pgids{1, 5, 9}
	b := Pgids{2, 3, 8}
	assert.Equal(t, Pgids{1, 2, 3, 5, 8, 9}, a.Merge(b))
}

func TestFreelistPageRoundTrip(t *testing.T) {
	var buf [4096]byte
	p := (*Page)(unsafe.Pointer(&buf[0]))
	p.Flags = FreelistPageFlag
	p.Count = 3

	data := unsafeAdd(unsafe.Pointer(p), PageHeaderSize)
	ids := (*[3]Pgid)(data)
	ids[0], ids[1], ids[2] = 5, 9, 12

	assert.Equal(t, 3, p.FreelistPageCount())
	assert.Equal(t, Pgids{5, 9, 12}, Pgids(p.FreelistPageIds()))
}

func TestFreelistPageOverflowCount(t *testing.T) {
	var buf [4096]byte
	p := (*Page)(unsafe.Pointer(&buf[0]))
	p.Flags = FreelistPageFlag
	p.Count = 0xFFFF

	data := unsafeAdd(unsafe.Pointer(p), PageHeaderSize)
	*(*Pgid)(data) = 2
	ids := (*[2]Pgid)(unsafeAdd(data, unsafe.Sizeof(Pgid(0))))
	ids[0], ids[1] = 7, 8

	assert.Equal(t, 2, p.FreelistPageCount())
	assert.Equal(t, Pgids{7, 8}, Pgids(p.FreelistPageIds()))
}

func TestBranchLeafPageElements(t *testing.T) {
	var buf [4096]byte
	p := (*Page)(unsafe.Pointer(&buf[0]))
	p.Flags = LeafPageFlag
	p.Count = 1

	e := p.LeafPageElement(0)
	e.Pos = uint32(LeafPageElementSize)
	e.Ksize = 2
	e.Vsize = 2
	data := unsafeByteSlice(unsafe.Pointer(e), 0, int(e.Pos), int(e.Pos)+4)
	copy(data, []byte("abcd"))

	assert.Equal(t, []byte("ab"), e.Key())
	assert.Equal(t, []byte("cd"), e.Value())
	assert.False(t, e.IsBucketEntry())

	e.Flags = BucketLeafFlag
	assert.True(t, e.IsBucketEntry())
}

func TestMetaValidate(t *testing.T) {
	var buf [4096]byte
	p := (*Page)(unsafe.Pointer(&buf[0]))
	p.Id = 0
	p.Flags = MetaPageFlag

	m := p.Meta()
	m.Magic = Magic
	m.Version = Version
	m.PageSize = 4096
	m.Pgid = 4
	m.Root = NewInBucket(3, 0)
	m.Freelist = 2
	m.Txid = 1
	m.Checksum = m.Sum64()

	assert.NoError(t, m.Validate())

	bad := *m
	bad.Checksum++
	assert.Equal(t, ErrChecksum, bad.Validate())

	bad2 := *m
	bad2.Magic = 0
	assert.Equal(t, ErrInvalid, bad2.Validate())

	bad3 := *m
	bad3.Version = Version + 1
	assert.Equal(t, ErrVersionMismatch, bad3.Validate())
}

func TestMetaWriteStampsPageId(t *testing.T) {
	var buf [4096]byte
	p := (*Page)(unsafe.Pointer(&buf[0]))

	m := &Meta{Magic: Magic, Version: Version, PageSize: 4096, Pgid: 4, Root: NewInBucket(3, 0), Freelist: 2, Txid: 5}
	m.Write(p)

	assert.Equal(t, Pgid(1), p.Id)
	assert.True(t, p.Flags&MetaPageFlag != 0)
	assert.NoError(t, p.Meta().Validate())
}
