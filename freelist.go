package boltkv

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/kvtree/boltkv/internal/common"
)

// FreelistType selects which freelist backend a DB uses. Both
// implementations satisfy the freelist interface below and produce
// wire-compatible freelist pages.
type FreelistType string

const (
	// FreelistArrayType is the default: a sorted slice of free pgids,
	// scanned linearly for the first fitting run. This is the strategy
	// spec'd in full (see freelist.go) because it is the one the
	// package's testable properties pin down exactly.
	FreelistArrayType FreelistType = "array"

	// FreelistMapType indexes free pgids by contiguous-run size; allocate
	// picks the smallest run that fits, scanning every run at least that
	// large. See freelist_hashmap.go.
	FreelistMapType FreelistType = "hashmap"
)

// freelist is the interface tx.go and db.go drive; arrayFreelist and
// hashmapFreelist both implement it.
type freelist interface {
	size() int
	count() int
	free_count() int
	pending_count() int
	allocate(txid common.Txid, n int) common.Pgid
	free(txid common.Txid, p *common.Page)
	release(txid common.Txid)
	rollback(txid common.Txid)
	freed(pgid common.Pgid) bool
	read(p *common.Page)
	write(p *common.Page) error
	reload(p *common.Page)
	reindex()
	pgids() common.Pgids
}

// newFreelist builds the freelist backend named by typ.
func newFreelist(typ FreelistType) freelist {
	if typ == FreelistMapType {
		return newHashmapFreelist()
	}
	return newArrayFreelist()
}

// arrayFreelist is the core freelist of spec §4.2: a sorted slice of
// immediately reusable pgids, a per-txid pending list of pgids freed but
// still visible to older readers, and a membership cache over their union.
type arrayFreelist struct {
	ids     common.Pgids                  // sorted, immediately allocatable
	pending map[common.Txid]common.Pgids  // txid -> pgids it freed
	cache   map[common.Pgid]struct{}      // membership over ids ∪ ⋃ pending
}

func newArrayFreelist() *arrayFreelist {
	return &arrayFreelist{
		pending: make(map[common.Txid]common.Pgids),
		cache:   make(map[common.Pgid]struct{}),
	}
}

// size returns the number of bytes the freelist occupies once written,
// including the extra overflow-count slot when count >= 0xFFFF.
func (f *arrayFreelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		n++
	}
	return int(common.PageHeaderSize) + int(unsafe.Sizeof(common.Pgid(0)))*n
}

func (f *arrayFreelist) count() int { return f.free_count() + f.pending_count() }

func (f *arrayFreelist) free_count() int { return len(f.ids) }

func (f *arrayFreelist) pending_count() int {
	var n int
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

func (f *arrayFreelist) pgids() common.Pgids { return f.ids }

// allocate performs a first-fit linear scan of ids for the first run of n
// consecutive pgids, tie-breaking toward the lowest starting pgid. Returns
// 0 if no such run exists. Never touches pgid 0 or 1.
func (f *arrayFreelist) allocate(txid common.Txid, n int) common.Pgid {
	if len(f.ids) == 0 {
		return 0
	}

	var initial, previd common.Pgid
	for i, id := range f.ids {
		if id <= 1 {
			panic(fmt.Sprintf("invalid page allocation: %d", id))
		}

		// Reset initial page if this is not contiguous.
		if previd == 0 || id-previd != 1 {
			initial = id
		}

		// If we found a contiguous block then remove it and return it.
		if (id-initial)+1 == common.Pgid(n) {
			// If we're allocating off the beginning then take the fast
			// path and just adjust the existing slice. This will be the
			// common case.
			if (i + 1) == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}

			// Remove from the free cache.
			for i := common.Pgid(0); i < common.Pgid(n); i++ {
				delete(f.cache, initial+i)
			}

			return initial
		}

		previd = id
	}
	return 0
}

// free adds page.id, page.id+1, ..., page.id+overflow to pending[txid].
// Panics on a double free or an attempt to free pgid 0/1: both indicate a
// programming bug, not a recoverable user error.
func (f *arrayFreelist) free(txid common.Txid, p *common.Page) {
	if p.Id <= 1 {
		panic(fmt.Sprintf("cannot free page 0 or 1: %d", p.Id))
	}

	ids := f.pending[txid]
	for id := p.Id; id <= p.Id+common.Pgid(p.Overflow); id++ {
		if _, ok := f.cache[id]; ok {
			panic(fmt.Sprintf("page %d already freed", id))
		}
		ids = append(ids, id)
		f.cache[id] = struct{}{}
	}
	f.pending[txid] = ids
}

// release drains pending[tid] for every tid <= txid into ids, making those
// pgids eligible for allocation by later transactions. A tid is only safe
// to drain once no reader older than txid can still observe it, which is
// the caller's (the transaction manager's) responsibility to prove before
// calling release with that txid.
func (f *arrayFreelist) release(txid common.Txid) {
	m := make(common.Pgids, 0)
	for tid, ids := range f.pending {
		if tid <= txid {
			m = append(m, ids...)
			delete(f.pending, tid)
		}
	}
	sort.Sort(m)
	f.ids = f.ids.Merge(m)
}

// rollback discards pending[txid] entirely: both the pending entry and its
// pgids' cache membership.
func (f *arrayFreelist) rollback(txid common.Txid) {
	for _, id := range f.pending[txid] {
		delete(f.cache, id)
	}
	delete(f.pending, txid)
}

func (f *arrayFreelist) freed(pgid common.Pgid) bool {
	_, ok := f.cache[pgid]
	return ok
}

// read deserializes a freelist page, restoring sorted order.
func (f *arrayFreelist) read(p *common.Page) {
	if p.Flags&common.FreelistPageFlag == 0 {
		panic(fmt.Sprintf("invalid freelist page: %d, page type is %s", p.Id, p.Typ()))
	}

	ids := p.FreelistPageIds()
	if len(ids) == 0 {
		f.ids = nil
	} else {
		idsCopy := make(common.Pgids, len(ids))
		copy(idsCopy, ids)
		sort.Sort(idsCopy)
		f.ids = idsCopy
	}
	f.reindex()
}

// write serializes every free and pending pgid onto p. Pending pgids are
// persisted too: on a crash they all become free on reopen, which is
// exactly what reload() accounts for.
func (f *arrayFreelist) write(p *common.Page) error {
	p.Flags |= common.FreelistPageFlag

	l := f.count()
	if l == 0 {
		p.Count = uint16(l)
		return nil
	}

	dst := make(common.Pgids, l)
	f.copyall(dst)

	if l < 0xFFFF {
		p.Count = uint16(l)
		data := unsafeAdd(unsafe.Pointer(p), common.PageHeaderSize)
		ids := unsafe.Slice((*common.Pgid)(data), l)
		copy(ids, dst)
	} else {
		p.Count = 0xFFFF
		data := unsafeAdd(unsafe.Pointer(p), common.PageHeaderSize)
		ids := unsafe.Slice((*common.Pgid)(data), l+1)
		ids[0] = common.Pgid(l)
		copy(ids[1:], dst)
	}
	return nil
}

// copyall fills dst (sized f.count()) with the sorted union of ids and
// every pending pgid.
func (f *arrayFreelist) copyall(dst common.Pgids) {
	m := make(common.Pgids, 0, f.pending_count())
	for _, ids := range f.pending {
		m = append(m, ids...)
	}
	sort.Sort(m)
	common.MergePgids(dst, f.ids, m)
}

// reload re-reads a freelist page, then subtracts any pgid currently
// pending (possibly from a crashed writer whose commit never completed)
// from the reloaded ids, so they are not double-allocated.
func (f *arrayFreelist) reload(p *common.Page) {
	f.read(p)

	pcache := make(map[common.Pgid]struct{})
	for _, ids := range f.pending {
		for _, id := range ids {
			pcache[id] = struct{}{}
		}
	}

	var a common.Pgids
	for _, id := range f.ids {
		if _, ok := pcache[id]; !ok {
			a = append(a, id)
		}
	}
	f.ids = a
	f.reindex()
}

// reindex rebuilds cache from scratch as the union of ids and every
// pending pgid.
func (f *arrayFreelist) reindex() {
	cache := make(map[common.Pgid]struct{}, len(f.ids))
	for _, id := range f.ids {
		cache[id] = struct{}{}
	}
	for _, ids := range f.pending {
		for _, id := range ids {
			cache[id] = struct{}{}
		}
	}
	f.cache = cache
}

func unsafeAdd(base unsafe.Pointer, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset)
}
