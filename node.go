package boltkv

import (
	"bytes"
	"fmt"
	"sort"
	"unsafe"

	"github.com/kvtree/boltkv/internal/common"
)

// inode is one entry inside a node: a key plus either a child pgid (branch)
// or a value (leaf). A leaf inode with BucketLeafFlag set carries an
// encoded sub-bucket header as its value instead of user data.
type inode struct {
	flags uint32
	pgid  common.Pgid
	key   []byte
	value []byte
}

type inodes []inode

// node is the in-memory, mutable materialization of a page. Nodes are
// created lazily the first time a mutator touches a page and cached by
// pgid in the owning bucket; they are destroyed along with the bucket.
type node struct {
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	key        []byte // first inode's key, used to relocate self in parent
	pgid       common.Pgid
	parent     *node // weak: resolved on demand, never owns the parent
	children   nodes // owned: only used during spill
	inodes     inodes
}

type nodes []*node

func (s nodes) Len() int      { return len(s) }
func (s nodes) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s nodes) Less(i, j int) bool {
	return bytes.Compare(s[i].inodes[0].key, s[j].inodes[0].key) == -1
}

// root returns the top-level node this node is attached to.
func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

// minKeys returns the minimum number of inodes this node should have
// before it is considered under-filled.
func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return common.MinKeysPerPage
}

func (n *node) pageElementSize() uintptr {
	if n.isLeaf {
		return common.LeafPageElementSize
	}
	return common.BranchPageElementSize
}

// childAt returns the child node at a given index, materializing it if
// necessary.
func (n *node) childAt(index int) *node {
	if n.isLeaf {
		panic(fmt.Sprintf("invalid childAt(%d) on a leaf node", index))
	}
	return n.bucket.node(n.inodes[index].pgid, n)
}

// childIndex returns the index of a given child node within n's inodes.
func (n *node) childIndex(child *node) int {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, child.key) != -1
	})
	return index
}

// numChildren returns the number of children (== number of inodes).
func (n *node) numChildren() int {
	return len(n.inodes)
}

// nextSibling returns the next node sharing n's parent, or nil.
func (n *node) nextSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index >= n.parent.numChildren()-1 {
		return nil
	}
	return n.parent.childAt(index + 1)
}

// prevSibling returns the previous node sharing n's parent, or nil.
func (n *node) prevSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index == 0 {
		return nil
	}
	return n.parent.childAt(index - 1)
}

// put inserts or updates an inode. oldKey locates the existing entry (used
// by spill to rewrite a parent entry's key to its child's new first key);
// newKey is the key stored afterward. pgid is 0 for leaf values.
func (n *node) put(oldKey, newKey, value []byte, pgid common.Pgid, flags uint32) {
	if pgid >= n.bucket.tx.meta.Pgid {
		panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", pgid, n.bucket.tx.meta.Pgid))
	} else if len(oldKey) <= 0 {
		panic("put: zero-length old key")
	} else if len(newKey) <= 0 {
		panic("put: zero-length new key")
	}

	// Find insertion index.
	idx := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, oldKey) >= 0
	})

	exact := idx < len(n.inodes) && bytes.Equal(n.inodes[idx].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[idx+1:], n.inodes[idx:])
	}

	in := &n.inodes[idx]
	in.flags = flags
	in.key = newKey
	in.value = value
	in.pgid = pgid
}

// del removes a key from the node. A missing key is a no-op.
func (n *node) del(key []byte) {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) != -1
	})

	if index >= len(n.inodes) || !bytes.Equal(n.inodes[index].key, key) {
		return
	}

	n.inodes = append(n.inodes[:index], n.inodes[index+1:]...)
	n.unbalanced = true
}

// read materializes n from a raw page. Every key must be non-empty.
func (n *node) read(p *common.Page) {
	n.pgid = p.Id
	n.isLeaf = (p.Flags & common.LeafPageFlag) != 0
	n.inodes = make(inodes, int(p.Count))

	for i := 0; i < int(p.Count); i++ {
		in := &n.inodes[i]
		if n.isLeaf {
			elem := p.LeafPageElement(uint16(i))
			in.flags = elem.Flags
			in.key = elem.Key()
			in.value = elem.Value()
		} else {
			elem := p.BranchPageElement(uint16(i))
			in.pgid = elem.Pgid
			in.key = elem.Key()
		}
		if len(in.key) == 0 {
			panic("read: zero-length inode key")
		}
	}

	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
}

// write serializes n onto page p.
func (n *node) write(p *common.Page) {
	if n.isLeaf {
		p.Flags |= common.LeafPageFlag
	} else {
		p.Flags |= common.BranchPageFlag
	}

	if len(n.inodes) >= 0xFFFF {
		panic(fmt.Sprintf("inode overflow: %d (pgid=%d)", len(n.inodes), p.Id))
	}
	p.Count = uint16(len(n.inodes))
	if p.Count == 0 {
		return
	}

	dataOffset := common.PageHeaderSize + n.pageElementSize()*uintptr(len(n.inodes))
	for i := range n.inodes {
		item := &n.inodes[i]
		if !n.isLeaf && item.pgid == p.Id {
			panic(fmt.Sprintf("write: circular dependency occurred, pgid=%d", p.Id))
		}

		sz := len(item.key) + len(item.value)
		buf := unsafeByteSlice(unsafe.Pointer(p), dataOffset, 0, sz)
		dataOffset += uintptr(sz)

		if n.isLeaf {
			elem := p.LeafPageElement(uint16(i))
			elem.Pos = uint32(uintptr(unsafe.Pointer(&buf[0])) - uintptr(unsafe.Pointer(elem)))
			elem.Flags = item.flags
			elem.Ksize = uint32(len(item.key))
			elem.Vsize = uint32(len(item.value))
		} else {
			elem := p.BranchPageElement(uint16(i))
			elem.Pos = uint32(uintptr(unsafe.Pointer(&buf[0])) - uintptr(unsafe.Pointer(elem)))
			elem.Ksize = uint32(len(item.key))
			elem.Pgid = item.pgid
		}

		l := copy(buf, item.key)
		copy(buf[l:], item.value)
	}
}

// split breaks n into one or more siblings, calling spill's needs.
func (n *node) split(pageSize int) []*node {
	var result []*node

	cur := n
	for {
		a, b := cur.splitTwo(pageSize)
		result = append(result, a)
		if b == nil {
			break
		}
		cur = b
	}
	return result
}

// splitTwo implements the per-spec split decision: a node with at most
// 2*MinKeysPerPage inodes, or smaller than page_size serialized, is never
// split, so a node of exactly 2*MinKeysPerPage inodes stays whole; otherwise
// walk entries accumulating size, splitting at the first index >=
// MinKeysPerPage that would exceed fill_percent*page_size.
func (n *node) splitTwo(pageSize int) (*node, *node) {
	if len(n.inodes) <= common.MinKeysPerPage*2 || n.sizeLessThan(pageSize) {
		return n, nil
	}

	fillPercent := n.bucket.FillPercent
	if fillPercent < minFillPercent {
		fillPercent = minFillPercent
	} else if fillPercent > maxFillPercent {
		fillPercent = maxFillPercent
	}
	threshold := int(float64(pageSize) * fillPercent)

	splitIndex, _ := n.splitIndex(threshold)

	if n.parent == nil {
		n.parent = &node{bucket: n.bucket, children: []*node{n}}
	}

	next := &node{bucket: n.bucket, isLeaf: n.isLeaf, parent: n.parent}
	n.parent.children = append(n.parent.children, next)

	next.inodes = n.inodes[splitIndex:]
	n.inodes = n.inodes[:splitIndex]

	n.bucket.tx.stats.Split++

	return n, next
}

const (
	minFillPercent = 0.1
	maxFillPercent = 1.0
)

// DefaultFillPercent is the fraction of a page spill tries to fill before
// starting a new sibling.
const DefaultFillPercent = 0.5

// sizeLessThan is a short-circuiting variant of size() used to decide
// whether splitting is worthwhile at all.
func (n *node) sizeLessThan(v int) bool {
	sz, elsz := int(common.PageHeaderSize), int(n.pageElementSize())
	for i := range n.inodes {
		item := &n.inodes[i]
		sz += elsz + len(item.key) + len(item.value)
		if sz >= v {
			return false
		}
	}
	return true
}

// splitIndex finds the first index >= MinKeysPerPage at which adding the
// next entry would exceed threshold, leaving at least MinKeysPerPage
// entries for the right sibling.
func (n *node) splitIndex(threshold int) (index int, sz int) {
	sz = int(common.PageHeaderSize)

	for i := 0; i < len(n.inodes)-common.MinKeysPerPage; i++ {
		index = i
		item := n.inodes[i]
		elsize := int(n.pageElementSize()) + len(item.key) + len(item.value)

		if index >= common.MinKeysPerPage && sz+elsize > threshold {
			break
		}
		sz += elsize
	}
	return
}

// size returns the node's serialized size.
func (n *node) size() int {
	sz, elsz := int(common.PageHeaderSize), int(n.pageElementSize())
	for i := range n.inodes {
		item := &n.inodes[i]
		sz += elsz + len(item.key) + len(item.value)
	}
	return sz
}

// spill writes n and its children to newly allocated pages, splitting as
// needed, and rewrites the parent's entry for each resulting node (the key
// may have changed, which is why put takes both oldKey and newKey).
func (n *node) spill() error {
	tx := n.bucket.tx
	if n.spilled {
		return nil
	}

	sort.Sort(n.children)
	for i := 0; i < len(n.children); i++ {
		if err := n.children[i].spill(); err != nil {
			return err
		}
	}

	// Children are only needed for spill tracking.
	n.children = nil

	nodesOut := n.split(tx.db.pageSize)
	for _, child := range nodesOut {
		if child.pgid > 0 {
			tx.db.freelist.free(tx.meta.Txid, tx.page(child.pgid))
			child.pgid = 0
		}

		p, err := tx.allocate((child.size() / tx.db.pageSize) + 1)
		if err != nil {
			return err
		}

		if p.Id >= tx.meta.Pgid {
			panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", p.Id, tx.meta.Pgid))
		}
		child.pgid = p.Id
		child.write(p)
		child.spilled = true

		if child.parent != nil {
			key := child.key
			if key == nil {
				key = child.inodes[0].key
			}
			child.parent.put(key, child.inodes[0].key, nil, child.pgid, 0)
			child.key = child.inodes[0].key
		}

		tx.stats.Spill++
	}

	if n.parent != nil && n.parent.pgid == 0 {
		n.children = nil
		return n.parent.spill()
	}

	return nil
}

// rebalance merges or collapses an under-filled node. Tie-break: merge
// into the left sibling if one exists, otherwise the right. The root
// collapses when it is a branch with a single child.
func (n *node) rebalance() {
	if !n.unbalanced {
		return
	}
	n.unbalanced = false

	n.bucket.tx.stats.Rebalance++

	threshold := n.bucket.tx.db.pageSize / 4
	if n.size() > threshold && len(n.inodes) > n.minKeys() {
		return
	}

	if n.parent == nil {
		if !n.isLeaf && len(n.inodes) == 1 {
			child := n.bucket.node(n.inodes[0].pgid, n)
			n.isLeaf = child.isLeaf
			n.inodes = child.inodes[:]
			n.children = child.children

			for _, in := range n.inodes {
				if c, ok := n.bucket.nodes[in.pgid]; ok {
					c.parent = n
				}
			}

			child.parent = nil
			delete(n.bucket.nodes, child.pgid)
			child.free()
		}
		return
	}

	if n.numChildren() == 0 {
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
		n.parent.rebalance()
		return
	}

	var target *node
	usePrev := n.parent.childIndex(n) != 0
	if usePrev {
		target = n.prevSibling()
	} else {
		target = n.nextSibling()
	}

	if usePrev {
		// Merge n into the left sibling.
		for _, in := range n.inodes {
			if c, ok := n.bucket.nodes[in.pgid]; ok {
				c.parent.removeChild(c)
				c.parent = target
				c.parent.children = append(c.parent.children, c)
			}
		}
		target.inodes = append(target.inodes, n.inodes...)
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
	} else {
		// No left sibling: merge the right sibling into n.
		for _, in := range target.inodes {
			if c, ok := n.bucket.nodes[in.pgid]; ok {
				c.parent.removeChild(c)
				c.parent = n
				c.parent.children = append(c.parent.children, c)
			}
		}
		n.inodes = append(n.inodes, target.inodes...)
		n.parent.del(target.key)
		n.parent.removeChild(target)
		delete(n.bucket.nodes, target.pgid)
		target.free()
	}

	n.parent.rebalance()
}

// free adds n's page to the freelist, if it has one.
func (n *node) free() {
	if n.pgid != 0 {
		n.bucket.tx.db.freelist.free(n.bucket.tx.meta.Txid, n.bucket.tx.page(n.pgid))
		n.pgid = 0
	}
}

// removeChild removes target from n's in-memory child list. Does not
// affect n.inodes.
func (n *node) removeChild(target *node) {
	for i, child := range n.children {
		if child == target {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// dereference copies every inode's key/value and n's own key onto the
// heap, and recurses into children. Required before the mmap backing
// those byte slices can be remapped or unmapped.
func (n *node) dereference() {
	if n.key != nil {
		key := make([]byte, len(n.key))
		copy(key, n.key)
		n.key = key
	}

	for i := range n.inodes {
		in := &n.inodes[i]

		key := make([]byte, len(in.key))
		copy(key, in.key)
		in.key = key

		value := make([]byte, len(in.value))
		copy(value, in.value)
		in.value = value
	}

	for _, child := range n.children {
		child.dereference()
	}

	n.bucket.tx.stats.NodeDeref++
}
