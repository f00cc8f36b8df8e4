package boltkv

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/kvtree/boltkv/internal/common"
)

// pidSet holds the set of starting pgids which have the same span size.
type pidSet map[common.Pgid]struct{}

// hashmapFreelist is the teacher's original freelist strategy, kept and
// adapted (not dropped) as the FreelistMapType alternative: it indexes
// free runs by span length so allocation scans the distinct run sizes
// instead of arrayFreelist's linear scan over every free pgid, at the
// cost of O(runs) bookkeeping on every free/merge. It implements the
// same freelist interface and on-disk page format as arrayFreelist, so
// it is a drop-in swap selected via Options.FreelistType.
type hashmapFreelist struct {
	ids         common.Pgids
	pending     map[common.Txid]common.Pgids
	cache       map[common.Pgid]struct{}
	freemaps    map[uint64]pidSet      // span size -> starting pgids of that size
	forwardMap  map[common.Pgid]uint64 // start pgid -> span size
	backwardMap map[common.Pgid]uint64 // end pgid -> span size
}

func newHashmapFreelist() *hashmapFreelist {
	return &hashmapFreelist{
		pending:     make(map[common.Txid]common.Pgids),
		cache:       make(map[common.Pgid]struct{}),
		freemaps:    make(map[uint64]pidSet),
		forwardMap:  make(map[common.Pgid]uint64),
		backwardMap: make(map[common.Pgid]uint64),
	}
}

func (f *hashmapFreelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		n++
	}
	return int(common.PageHeaderSize) + int(unsafe.Sizeof(common.Pgid(0)))*n
}

func (f *hashmapFreelist) count() int { return f.free_count() + f.pending_count() }

func (f *hashmapFreelist) free_count() int { return len(f.ids) }

func (f *hashmapFreelist) pending_count() int {
	var n int
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

func (f *hashmapFreelist) pgids() common.Pgids { return f.ids }

// allocate looks for the smallest free span that fits n contiguous pages,
// splitting off and re-indexing any remainder. Removes the allocated run
// from f.ids (and so from free_count/pgids/copyall) the same way
// arrayFreelist.allocate trims its ids slice, so an allocated page is
// never reported or persisted as free.
func (f *hashmapFreelist) allocate(txid common.Txid, n int) common.Pgid {
	if n == 0 {
		return 0
	}

	// Among spans of the same size, tie-break toward the lowest starting
	// pgid, matching arrayFreelist.allocate's tie-break rule.
	var best common.Pgid
	var bestSize uint64
	for size, set := range f.freemaps {
		if size < uint64(n) {
			continue
		}
		for start := range set {
			if bestSize == 0 || size < bestSize || (size == bestSize && start < best) {
				best, bestSize = start, size
			}
		}
	}
	if bestSize == 0 {
		return 0
	}

	f.delSpan(best, bestSize)
	f.removeIDs(best, n)
	remainStart := best + common.Pgid(n)
	remainSize := bestSize - uint64(n)
	if remainSize > 0 {
		f.addSpan(remainStart, remainSize)
		for i := common.Pgid(0); i < common.Pgid(remainSize); i++ {
			f.cache[remainStart+i] = struct{}{}
		}
	}
	return best
}

// removeIDs removes the n pgids starting at start from the sorted f.ids
// slice, mirroring arrayFreelist.allocate's slice-trimming fast path.
func (f *hashmapFreelist) removeIDs(start common.Pgid, n int) {
	idx := sort.Search(len(f.ids), func(i int) bool { return f.ids[i] >= start })
	if idx+n > len(f.ids) {
		panic(fmt.Sprintf("freelist: span %d..%d not present in ids", start, start+common.Pgid(n)))
	}
	copy(f.ids[idx:], f.ids[idx+n:])
	f.ids = f.ids[:len(f.ids)-n]
}

func (f *hashmapFreelist) addSpan(start common.Pgid, size uint64) {
	if f.freemaps[size] == nil {
		f.freemaps[size] = make(pidSet)
	}
	f.freemaps[size][start] = struct{}{}
	f.forwardMap[start] = size
	f.backwardMap[start+common.Pgid(size)-1] = size
}

func (f *hashmapFreelist) delSpan(start common.Pgid, size uint64) {
	delete(f.freemaps[size], start)
	if len(f.freemaps[size]) == 0 {
		delete(f.freemaps, size)
	}
	delete(f.forwardMap, start)
	delete(f.backwardMap, start+common.Pgid(size)-1)
	for i := common.Pgid(0); i < common.Pgid(size); i++ {
		delete(f.cache, start+i)
	}
}

// mergeSpans rebuilds the span index from f.ids, coalescing adjacent
// pgids into runs the way arrayFreelist keeps them implicitly sorted.
func (f *hashmapFreelist) mergeSpans(ids common.Pgids) {
	all := append(common.Pgids{}, f.ids...)
	all = append(all, ids...)
	sort.Sort(all)

	f.freemaps = make(map[uint64]pidSet)
	f.forwardMap = make(map[common.Pgid]uint64)
	f.backwardMap = make(map[common.Pgid]uint64)

	var start common.Pgid
	var size uint64
	flush := func() {
		if size > 0 {
			f.addSpan(start, size)
		}
	}
	for i, id := range all {
		if i == 0 || id != all[i-1]+1 {
			flush()
			start, size = id, 1
		} else {
			size++
		}
	}
	flush()

	f.ids = all
	for _, id := range all {
		f.cache[id] = struct{}{}
	}
}

func (f *hashmapFreelist) free(txid common.Txid, p *common.Page) {
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

func (f *hashmapFreelist) release(txid common.Txid) {
	var m common.Pgids
	for tid, ids := range f.pending {
		if tid <= txid {
			m = append(m, ids...)
			delete(f.pending, tid)
		}
	}
	sort.Sort(m)
	f.mergeSpans(m)
}

func (f *hashmapFreelist) rollback(txid common.Txid) {
	for _, id := range f.pending[txid] {
		delete(f.cache, id)
	}
	delete(f.pending, txid)
}

func (f *hashmapFreelist) freed(pgid common.Pgid) bool {
	_, ok := f.cache[pgid]
	return ok
}

func (f *hashmapFreelist) read(p *common.Page) {
	if p.Flags&common.FreelistPageFlag == 0 {
		panic(fmt.Sprintf("invalid freelist page: %d, page type is %s", p.Id, p.Typ()))
	}
	ids := p.FreelistPageIds()
	idsCopy := make(common.Pgids, len(ids))
	copy(idsCopy, ids)
	sort.Sort(idsCopy)
	f.ids = nil
	f.cache = make(map[common.Pgid]struct{})
	f.mergeSpans(idsCopy)
	f.reindex()
}

func (f *hashmapFreelist) write(p *common.Page) error {
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

func (f *hashmapFreelist) copyall(dst common.Pgids) {
	m := make(common.Pgids, 0, f.pending_count())
	for _, ids := range f.pending {
		m = append(m, ids...)
	}
	sort.Sort(m)
	common.MergePgids(dst, f.ids, m)
}

func (f *hashmapFreelist) reload(p *common.Page) {
	ids := p.FreelistPageIds()
	idsCopy := make(common.Pgids, len(ids))
	copy(idsCopy, ids)
	sort.Sort(idsCopy)

	pcache := make(map[common.Pgid]struct{})
	for _, ids := range f.pending {
		for _, id := range ids {
			pcache[id] = struct{}{}
		}
	}

	var a common.Pgids
	for _, id := range idsCopy {
		if _, ok := pcache[id]; !ok {
			a = append(a, id)
		}
	}
	f.ids = nil
	f.cache = make(map[common.Pgid]struct{})
	f.mergeSpans(a)
	f.reindex()
}

func (f *hashmapFreelist) reindex() {
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
