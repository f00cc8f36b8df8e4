package boltkv

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/kvtree/boltkv/internal/common"
)

// maxInlineBucketSizeDivisor sets the inline limit: a bucket whose
// serialized size stays within pageSize/maxInlineBucketSizeDivisor (see
// maxInlineBucketSize) may be stored inline inside its parent's leaf value.
const maxInlineBucketSizeDivisor = 4

// Bucket represents a named B+tree: a root page (or, for small trees, an
// inlined leaf embedded in the parent's entry), a cache of materialized
// nodes, and a cache of opened sub-buckets.
type Bucket struct {
	*common.InBucket
	tx       *Tx
	buckets  map[string]*Bucket // cache of already-opened sub-buckets
	page     *common.Page       // inline page reference, if this bucket is inline
	rootNode *node              // materialized root node, if touched
	nodes    map[common.Pgid]*node

	// FillPercent is the percentage a bucket's pages fill before a new
	// page is allocated during a spill. Clamped to [0.1, 1.0]; not
	// persisted.
	FillPercent float64
}

// newBucket creates a Bucket reference bound to tx.
func newBucket(tx *Tx) Bucket {
	b := Bucket{tx: tx, FillPercent: DefaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[common.Pgid]*node)
	}
	return b
}

// Tx returns the transaction that created the bucket.
func (b *Bucket) Tx() *Tx { return b.tx }

// Root returns the bucket's root page id, or 0 for an inline bucket.
func (b *Bucket) Root() common.Pgid { return b.InBucket.Root }

// Writable reports whether b's transaction permits mutation.
func (b *Bucket) Writable() bool { return b.tx.writable }

// Cursor creates a cursor over b, valid for the life of b's transaction.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.CursorCount++
	return &Cursor{bucket: b, stack: make([]elemRef, 0)}
}

// Bucket retrieves a nested bucket by name. Returns nil if it does not
// exist or the entry is not a bucket.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child, ok := b.buckets[string(name)]; ok {
			return child
		}
	}

	c := b.Cursor()
	k, v, flags := c.seek(name)

	if !bytes.Equal(name, k) || (flags&common.BucketLeafFlag) == 0 {
		return nil
	}

	child := b.openBucket(v)
	if b.buckets != nil {
		b.buckets[string(name)] = child
	}
	return child
}

// openBucket decodes a sub-bucket header from a leaf value, per §6: root
// pgid and sequence, followed for inline buckets by an embedded leaf page.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)

	// Pages in a writable transaction's node cache may be mutated after
	// being read from disk: copy onto the heap so later writes don't
	// corrupt this decode.
	if b.tx.writable {
		ib := *(*common.InBucket)(unsafe.Pointer(&value[0]))
		child.InBucket = &ib
	} else {
		child.InBucket = (*common.InBucket)(unsafe.Pointer(&value[0]))
	}

	// An inline bucket has root == 0; the embedded leaf page follows the
	// header directly in the entry's value.
	if child.InBucket.Root == 0 {
		child.page = (*common.Page)(unsafe.Pointer(&value[unsafe.Sizeof(*child.InBucket)]))
	}

	return &child
}

// CreateBucket creates a new bucket at key. Fails if the key already
// exists, whether as a bucket or a plain value.
func (b *Bucket) CreateBucket(key []byte) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTxClosed
	} else if !b.Writable() {
		return nil, ErrTxNotWritable
	} else if len(key) == 0 {
		return nil, ErrBucketNameRequired
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) {
		if (flags & common.BucketLeafFlag) != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	// Build an empty, inline leaf page as the new bucket's value.
	var bucketHeader common.InBucket
	value := make([]byte, unsafe.Sizeof(bucketHeader)+common.PageHeaderSize)
	p := (*common.Page)(unsafe.Pointer(&value[unsafe.Sizeof(bucketHeader)]))
	p.Flags = common.LeafPageFlag

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, common.BucketLeafFlag)

	// Reload in case the node's inodes slice moved underneath it.
	child := b.Bucket(key)
	child.FillPercent = DefaultFillPercent
	return child, nil
}

// CreateBucketIfNotExists is the idempotent variant of CreateBucket.
func (b *Bucket) CreateBucketIfNotExists(key []byte) (*Bucket, error) {
	child, err := b.CreateBucket(key)
	if err == ErrBucketExists {
		return b.Bucket(key), nil
	} else if err != nil {
		return nil, err
	}
	return child, nil
}

// DeleteBucket recursively deletes a sub-bucket: every descendant bucket,
// every page the sub-tree owns, then the parent entry itself.
func (b *Bucket) DeleteBucket(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return ErrBucketNotFound
	} else if (flags & common.BucketLeafFlag) == 0 {
		return ErrIncompatibleValue
	}

	child := b.Bucket(key)
	err := child.ForEachBucket(func(k []byte) error {
		if err := child.DeleteBucket(k); err != nil {
			return fmt.Errorf("delete bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	delete(b.buckets, string(key))

	if child.rootNode != nil {
		child.nodes = make(map[common.Pgid]*node)
	}

	child.free()

	c.node().del(key)
	return nil
}

// Get retrieves the value for a key. Returns nil if the key does not
// exist, or if it is a bucket entry.
func (b *Bucket) Get(key []byte) []byte {
	k, v, flags := b.Cursor().seek(key)
	if (flags & common.BucketLeafFlag) != 0 {
		return nil
	}
	if !bytes.Equal(key, k) {
		return nil
	}
	return v
}

// Put sets the value for a key, overwriting any previous value.
func (b *Bucket) Put(key []byte, value []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	} else if len(key) == 0 {
		return ErrKeyRequired
	} else if len(key) > common.MaxKeySize {
		return ErrKeyTooLarge
	} else if int64(len(value)) > common.MaxValueSize {
		return ErrValueTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) && (flags&common.BucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, 0)
	return nil
}

// Delete removes a key. A missing key is a no-op.
func (b *Bucket) Delete(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return nil
	}
	if (flags & common.BucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}

	c.node().del(key)
	return nil
}

// Sequence returns the bucket's current autoincrement sequence.
func (b *Bucket) Sequence() uint64 { return b.InBucket.Sequence }

// SetSequence sets the bucket's autoincrement sequence.
func (b *Bucket) SetSequence(v uint64) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}
	if b.rootNode == nil {
		_ = b.node(b.InBucket.Root, nil)
	}
	b.InBucket.Sequence = v
	return nil
}

// NextSequence increments and returns the bucket's autoincrement sequence.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.db == nil {
		return 0, ErrTxClosed
	} else if !b.Writable() {
		return 0, ErrTxNotWritable
	}
	if b.rootNode == nil {
		_ = b.node(b.InBucket.Root, nil)
	}
	b.InBucket.Sequence++
	return b.InBucket.Sequence, nil
}

// ForEach walks the bucket in key order, calling fn(key, value) for each
// plain entry and fn(key, nil) for each sub-bucket entry. Stops and
// returns the first error fn returns. fn must not mutate the bucket.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForEachBucket walks only the sub-bucket entries in key order.
func (b *Bucket) ForEachBucket(fn func(k []byte) error) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	c := b.Cursor()
	for k, _, flags := c.first(); k != nil; k, _, flags = c.next() {
		if flags&common.BucketLeafFlag != 0 {
			if err := fn(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// node returns the materialized node for pgid, attaching it under parent
// (or as the bucket's root node if parent is nil). Cached by pgid.
func (b *Bucket) node(pgid common.Pgid, parent *node) *node {
	if b.nodes == nil {
		panic("node: cannot materialize from a read-only bucket without a node cache")
	}

	if n := b.nodes[pgid]; n != nil {
		return n
	}

	n := &node{bucket: b, parent: parent}
	if parent == nil {
		b.rootNode = n
	} else {
		parent.children = append(parent.children, n)
	}

	var p *common.Page
	if b.page != nil {
		p = b.page
	} else {
		p = b.tx.page(pgid)
	}

	n.read(p)
	b.nodes[pgid] = n

	b.tx.stats.NodeCount++

	return n
}

// rebalance calls rebalance on every cached node with unbalanced=true.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// spill recursively spills every touched sub-bucket, re-inlining any that
// became small enough and have no sub-buckets of their own, then spills
// the bucket's own node tree.
func (b *Bucket) spill() error {
	for name, child := range b.buckets {
		var value []byte

		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}
			value = make([]byte, unsafe.Sizeof(*child.InBucket))
			*(*common.InBucket)(unsafe.Pointer(&value[0])) = *child.InBucket
		}

		if child.rootNode == nil {
			continue
		}

		c := b.Cursor()
		k, _, flags := c.seek([]byte(name))
		if !bytes.Equal([]byte(name), k) {
			panic(fmt.Sprintf("misplaced bucket header: %x -> %x", []byte(name), k))
		}
		if flags&common.BucketLeafFlag == 0 {
			panic(fmt.Sprintf("unexpected bucket header flag: %x", flags))
		}
		c.node().put([]byte(name), []byte(name), value, 0, common.BucketLeafFlag)
	}

	if b.rootNode == nil {
		return nil
	}

	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()

	if b.rootNode.pgid >= b.tx.meta.Pgid {
		panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", b.rootNode.pgid, b.tx.meta.Pgid))
	}
	b.InBucket.Root = b.rootNode.pgid

	return nil
}

// inlineable reports whether b is small enough, and free of its own
// sub-buckets, to be re-inlined into its parent's leaf value.
func (b *Bucket) inlineable() bool {
	n := b.rootNode
	if n == nil || !n.isLeaf {
		return false
	}

	size := int(common.PageHeaderSize)
	for _, in := range n.inodes {
		if in.flags&common.BucketLeafFlag != 0 {
			return false
		}
		size += int(common.LeafPageElementSize) + len(in.key) + len(in.value)
		if size > b.maxInlineBucketSize() {
			return false
		}
	}
	return true
}

func (b *Bucket) maxInlineBucketSize() int {
	return b.tx.db.pageSize / maxInlineBucketSizeDivisor
}

// write serializes an inlineable bucket's header plus its single leaf page
// into one byte slice, suitable as a leaf entry value.
func (b *Bucket) write() []byte {
	n := b.rootNode
	value := make([]byte, unsafe.Sizeof(*b.InBucket)+uintptr(n.size()))

	*(*common.InBucket)(unsafe.Pointer(&value[0])) = *b.InBucket

	p := (*common.Page)(unsafe.Pointer(&value[unsafe.Sizeof(*b.InBucket)]))
	n.write(p)

	return value
}

// free releases every page this bucket's tree currently owns, in
// preparation for re-inlining or deletion.
func (b *Bucket) free() {
	if b.InBucket.Root == 0 {
		return
	}

	tx := b.tx
	b.forEachPage(func(p *common.Page) {
		tx.db.freelist.free(tx.meta.Txid, p)
	})
	b.InBucket.Root = 0
}

// forEachPage visits every page of the bucket's tree, depth-first,
// including a purely in-memory inline page.
func (b *Bucket) forEachPage(fn func(*common.Page)) {
	if b.page != nil {
		fn(b.page)
		return
	}
	b.tx.forEachPage(b.InBucket.Root, func(p *common.Page, _ int) { fn(p) })
}

// BucketStats aggregates page counts, overflow, key counts, and tree depth
// for this bucket and every nested bucket.
type BucketStats struct {
	BranchPageN     int
	BranchOverflowN int
	LeafPageN       int
	LeafOverflowN   int
	KeyN            int
	Depth           int
	BranchInuse     int
	LeafInuse       int
	BranchAlloc     int
	LeafAlloc       int
	BucketN         int
	InlineBucketN   int
	InlineBucketInuse int
}

// Stats walks the whole bucket tree (including nested buckets) and
// aggregates statistics. Safe to call at any point within a transaction.
func (b *Bucket) Stats() BucketStats {
	var s BucketStats
	s.BucketN++

	pageSize := b.tx.db.pageSize
	cursor := b.Cursor()
	b.statsWalk(cursor, pageSize, 0, &s)
	return s
}

func (b *Bucket) statsWalk(c *Cursor, pageSize, depth int, s *BucketStats) {
	if depth+1 > s.Depth {
		s.Depth = depth + 1
	}

	if b.InBucket.Root == 0 {
		s.InlineBucketN++
	}

	b.forEachPage(func(p *common.Page) {
		switch p.Typ() {
		case "branch":
			s.BranchPageN++
			s.BranchOverflowN += int(p.Overflow)
			used := int(common.PageHeaderSize) + int(p.Count)*int(common.BranchPageElementSize)
			for i := uint16(0); i < p.Count; i++ {
				used += len(p.BranchPageElement(i).Key())
			}
			if b.InBucket.Root == 0 {
				s.InlineBucketInuse += used
			} else {
				s.BranchInuse += used
				s.BranchAlloc += (int(p.Overflow) + 1) * pageSize
			}
		case "leaf":
			s.LeafPageN++
			s.LeafOverflowN += int(p.Overflow)
			used := int(common.PageHeaderSize) + int(p.Count)*int(common.LeafPageElementSize)
			for i := uint16(0); i < p.Count; i++ {
				e := p.LeafPageElement(i)
				used += len(e.Key()) + len(e.Value())
				if e.IsBucketEntry() {
					s.BucketN++
				}
			}
			s.KeyN += int(p.Count)
			if b.InBucket.Root == 0 {
				s.InlineBucketInuse += used
			} else {
				s.LeafInuse += used
				s.LeafAlloc += (int(p.Overflow) + 1) * pageSize
			}
		}
	})

	_ = c.ForEachBucket(func(name []byte) error {
		child := b.Bucket(name)
		if child == nil {
			return nil
		}
		child.statsWalk(child.Cursor(), pageSize, depth+1, s)
		return nil
	})
}

// ForEachBucket on a Cursor walks only bucket entries; used internally to
// drive statsWalk without re-seeking.
func (c *Cursor) ForEachBucket(fn func(name []byte) error) error {
	for k, _, flags := c.first(); k != nil; k, _, flags = c.next() {
		if flags&common.BucketLeafFlag != 0 {
			if err := fn(k); err != nil {
				return err
			}
		}
	}
	return nil
}

func cloneBytes(v []byte) []byte {
	var clone = make([]byte, len(v))
	copy(clone, v)
	return clone
}

// dereference copies every byte slice this bucket's materialized nodes
// hold that might still point into the mmap (the root node and every
// open sub-bucket, recursively) onto the heap. Called before a remap
// invalidates those pointers.
func (b *Bucket) dereference() {
	if b.rootNode != nil {
		b.rootNode.dereference()
	}

	for _, child := range b.buckets {
		child.dereference()
	}
}

// dereferenceNodes protects every writable transaction's cached nodes
// from a remap by copying their mmap-backed byte slices onto the heap.
func (tx *Tx) dereferenceNodes() {
	tx.root.dereference()
}
