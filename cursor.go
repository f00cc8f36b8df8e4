package boltkv

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/kvtree/boltkv/internal/common"
)

// Cursor traverses a bucket's key/value pairs in sorted order. It is only
// valid for the life of the transaction that created its bucket.
//
// Each stack frame names either a raw page or a materialized node at the
// current index within it — the page-or-node duality: if the bucket has
// already materialized a node for a pgid (because a writer touched it),
// the cursor uses the node's inodes, which may include uncommitted
// mutations; otherwise it reads straight from the immutable page for a
// zero-copy scan.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// elemRef is one stack frame: a step from root toward a leaf, naming
// either page or node (never both) plus the index within it.
type elemRef struct {
	page  *common.Page
	node  *node
	index int
}

func (r *elemRef) count() int {
	if r.node != nil {
		return len(r.node.inodes)
	}
	return int(r.page.Count)
}

func (r *elemRef) isLeaf() bool {
	if r.node != nil {
		return r.node.isLeaf
	}
	return (r.page.Flags & common.LeafPageFlag) != 0
}

// Bucket returns the bucket this cursor was created from.
func (c *Cursor) Bucket() *Bucket { return c.bucket }

// First moves the cursor to the first key/value pair and returns it. If
// the bucket is empty it returns (nil, nil). If the entry is a bucket,
// value is nil.
func (c *Cursor) First() (key, value []byte) {
	k, v, flags := c.first()
	if flags&common.BucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Last moves the cursor to the last key/value pair and returns it.
func (c *Cursor) Last() (key, value []byte) {
	c.stack = c.stack[:0]
	ref := elemRef{page: c.bucket.page, node: c.bucket.rootNode}
	if ref.page == nil && ref.node == nil {
		ref.page, ref.node = c.pageNode(c.bucket.InBucket.Root)
	}
	ref.index = ref.count() - 1
	c.stack = append(c.stack, ref)
	c.last()
	k, v, flags := c.keyValue()
	if flags&common.BucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Next moves the cursor to the next key/value pair and returns it.
// Returns (nil, nil) past the end.
func (c *Cursor) Next() (key, value []byte) {
	k, v, flags := c.next()
	if flags&common.BucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Prev moves the cursor to the previous key/value pair and returns it.
func (c *Cursor) Prev() (key, value []byte) {
	k, v, flags := c.prev()
	if flags&common.BucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Seek moves the cursor to the given key. If that exact key does not
// exist, it is positioned at the next key. Returns (nil, nil) if no such
// key exists.
func (c *Cursor) Seek(seek []byte) (key, value []byte) {
	k, v, flags := c.seek(seek)
	if flags&common.BucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Delete removes the key/value pair under the cursor. Fails on a
// read-only transaction or if positioned on a sub-bucket.
func (c *Cursor) Delete() error {
	if c.bucket.tx.db == nil {
		return ErrTxClosed
	} else if !c.bucket.Writable() {
		return ErrTxNotWritable
	}

	key, _, flags := c.keyValue()
	if flags&common.BucketLeafFlag != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)
	return nil
}

func (c *Cursor) first() (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	ref := elemRef{page: c.bucket.page, node: c.bucket.rootNode}
	if ref.page == nil && ref.node == nil {
		ref.page, ref.node = c.pageNode(c.bucket.InBucket.Root)
	}
	c.stack = append(c.stack, ref)
	c._first()

	if c.stack[len(c.stack)-1].count() == 0 {
		c.next()
		return c.keyValue()
	}
	return c.keyValue()
}

func (c *Cursor) last() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var pgid common.Pgid
		if ref.node != nil {
			pgid = ref.node.inodes[ref.index].pgid
		} else {
			pgid = ref.page.BranchPageElement(uint16(ref.index)).Pgid
		}
		p, n := c.pageNode(pgid)

		next := elemRef{page: p, node: n}
		next.index = next.count() - 1
		c.stack = append(c.stack, next)
	}
}

// _first descends from the top stack frame to a leaf via index 0 at each
// branch level.
func (c *Cursor) _first() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var pgid common.Pgid
		if ref.node != nil {
			pgid = ref.node.inodes[ref.index].pgid
		} else {
			pgid = ref.page.BranchPageElement(uint16(ref.index)).Pgid
		}
		p, n := c.pageNode(pgid)
		c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	}
}

func (c *Cursor) next() (key, value []byte, flags uint32) {
	for {
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}

		if i == -1 {
			return nil, nil, 0
		}

		c.stack = c.stack[:i+1]
		c._first()

		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}

		return c.keyValue()
	}
}

func (c *Cursor) prev() (key, value []byte, flags uint32) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		elem := &c.stack[i]
		if elem.index > 0 {
			elem.index--
			break
		}
		c.stack = c.stack[:i]
	}

	if len(c.stack) == 0 {
		return nil, nil, 0
	}

	c.last()
	return c.keyValue()
}

// seek positions the cursor at the first key >= seek key, materializing a
// node for any branch level a writer may need to mutate via c.node().
func (c *Cursor) seek(seek []byte) (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	c.search(seek, c.bucket.InBucket.Root)

	if len(c.stack) == 0 {
		return nil, nil, 0
	}

	ref := &c.stack[len(c.stack)-1]
	if ref.index >= ref.count() {
		return c.next()
	}
	return c.keyValue()
}

func (c *Cursor) search(key []byte, pgid common.Pgid) {
	p, n := c.pageNode(pgid)
	if p != nil && (p.Flags&(common.BranchPageFlag|common.LeafPageFlag)) == 0 {
		panic(fmt.Sprintf("invalid page type: %d: %x", p.Id, p.Flags))
	}
	ref := elemRef{page: p, node: n}
	c.stack = append(c.stack, ref)

	if ref.isLeaf() {
		c.nsearch(key)
		return
	}

	if n != nil {
		c.searchNode(key, n)
	} else {
		c.searchPage(key, p)
	}
}

// searchNode binary-searches a branch node for the greatest key <= key.
func (c *Cursor) searchNode(key []byte, n *node) {
	var exact bool
	index := sort.Search(len(n.inodes), func(i int) bool {
		cmp := bytes.Compare(n.inodes[i].key, key)
		if cmp == 0 {
			exact = true
		}
		return cmp != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index
	c.search(key, n.inodes[index].pgid)
}

// searchPage binary-searches a raw branch page for the greatest key <= key.
func (c *Cursor) searchPage(key []byte, p *common.Page) {
	inodes := p.BranchPageElements()

	var exact bool
	index := sort.Search(int(p.Count), func(i int) bool {
		cmp := bytes.Compare(inodes[i].Key(), key)
		if cmp == 0 {
			exact = true
		}
		return cmp != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index
	c.search(key, inodes[index].Pgid)
}

// nsearch positions the top (leaf) frame at the least key >= key.
func (c *Cursor) nsearch(key []byte) {
	ref := &c.stack[len(c.stack)-1]
	if ref.node != nil {
		n := ref.node
		index := sort.Search(len(n.inodes), func(i int) bool {
			return bytes.Compare(n.inodes[i].key, key) != -1
		})
		ref.index = index
		return
	}

	p := ref.page
	inodes := p.LeafPageElements()
	index := sort.Search(int(p.Count), func(i int) bool {
		return bytes.Compare(inodes[i].Key(), key) != -1
	})
	ref.index = index
}

// keyValue returns the key, value, and flags at the cursor's current
// position, skipping nothing: callers handle the zero-length-entry
// artifact left behind by an inline bucket's embedded header.
func (c *Cursor) keyValue() (key, value []byte, flags uint32) {
	ref := c.stack[len(c.stack)-1]
	if ref.count() == 0 || ref.index >= ref.count() {
		return nil, nil, 0
	}

	if ref.node != nil {
		in := &ref.node.inodes[ref.index]
		return in.key, in.value, in.flags
	}

	elem := ref.page.LeafPageElement(uint16(ref.index))
	return elem.Key(), elem.Value(), elem.Flags
}

// node materializes (if necessary) and returns the leaf node at the
// cursor's current position, walking every branch frame on the stack
// down to mutable form and fixing up parent/child links as it goes. Only
// valid for writable transactions.
func (c *Cursor) node() *node {
	if len(c.stack) == 0 {
		panic("accessing a node with a zero-length cursor stack")
	}

	if ref := &c.stack[len(c.stack)-1]; ref.isLeaf() && ref.node != nil {
		return ref.node
	}

	// Materialize nodes from root down to leaf, reusing cached ones.
	var n = c.stack[0].node
	if n == nil {
		n = c.bucket.node(c.stack[0].page.Id, nil)
	}
	for _, ref := range c.stack[:len(c.stack)-1] {
		if n.isLeaf {
			panic("unexpected leaf node while materializing cursor path")
		}
		n = n.childAt(ref.index)
	}
	if !n.isLeaf {
		panic("expected leaf node")
	}
	return n
}

// pageNode resolves pgid to either a page or a materialized node,
// following the page-or-node rule: a cached node wins, otherwise the raw
// page is used for a zero-copy read.
func (c *Cursor) pageNode(pgid common.Pgid) (*common.Page, *node) {
	if c.bucket.InBucket.Root == 0 {
		if pgid != 0 {
			panic(fmt.Sprintf("inline bucket non-zero page access(2): %d != 0", pgid))
		}
		if c.bucket.rootNode != nil {
			return nil, c.bucket.rootNode
		}
		return c.bucket.page, nil
	}

	if c.bucket.nodes != nil {
		if n, ok := c.bucket.nodes[pgid]; ok {
			return nil, n
		}
	}

	return c.bucket.tx.page(pgid), nil
}
