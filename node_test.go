package boltkv

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/kvtree/boltkv/internal/common"
)

// newTestNode returns a node bound to a throwaway bucket/tx pair, just
// enough context for put/split/rebalance to run without a real DB.
func newTestNode(isLeaf bool) *node {
	tx := &Tx{meta: &common.Meta{Pgid: 0xFFFFFFF}}
	b := newBucket(tx)
	return &node{bucket: &b, isLeaf: isLeaf, inodes: make(inodes, 0)}
}

func TestNodePutOrdering(t *testing.T) {
	n := newTestNode(true)
	n.put([]byte("baz"), []byte("baz"), []byte("2"), 0, 0)
	n.put([]byte("foo"), []byte("foo"), []byte("0"), 0, 0)
	n.put([]byte("bar"), []byte("bar"), []byte("1"), 0, 0)
	n.put([]byte("foo"), []byte("foo"), []byte("3"), 0, 0x02)

	require := assert.New(t)
	require.Len(n.inodes, 3)
	require.Equal([]byte("bar"), n.inodes[0].key)
	require.Equal([]byte("1"), n.inodes[0].value)
	require.Equal([]byte("baz"), n.inodes[1].key)
	require.Equal([]byte("2"), n.inodes[1].value)
	require.Equal([]byte("foo"), n.inodes[2].key)
	require.Equal([]byte("3"), n.inodes[2].value)
	require.Equal(uint32(0x02), n.inodes[2].flags)
	require.Equal(76, n.size())
}

func TestNodeReadLeafPage(t *testing.T) {
	var buf [4096]byte
	p := (*common.Page)(unsafe.Pointer(&buf[0]))
	p.Flags = common.LeafPageFlag
	p.Count = 2

	e0 := p.LeafPageElement(0)
	*e0 = common.LeafPageElement{Flags: 0, Pos: uint32(common.LeafPageElementSize * 2), Ksize: 3, Vsize: 4}
	e1 := p.LeafPageElement(1)
	*e1 = common.LeafPageElement{Flags: 0, Pos: uint32(common.LeafPageElementSize) + 3 + 4, Ksize: 10, Vsize: 3}

	data := unsafeByteSlice(unsafe.Pointer(e0), 0, 32, 32+20)
	copy(data, []byte("barfooz"))
	copy(data[7:], []byte("helloworldbye"))

	n := &node{}
	n.read(p)

	assert.True(t, n.isLeaf)
	assert.Len(t, n.inodes, 2)
	assert.Equal(t, []byte("bar"), n.inodes[0].key)
	assert.Equal(t, []byte("fooz"), n.inodes[0].value)
	assert.Equal(t, []byte("helloworld"), n.inodes[1].key)
	assert.Equal(t, []byte("bye"), n.inodes[1].value)
}

func TestNodeWriteLeafPageRoundTrip(t *testing.T) {
	n := newTestNode(true)
	n.put([]byte("susy"), []byte("susy"), []byte("que"), 0, 0)
	n.put([]byte("ricki"), []byte("ricki"), []byte("lake"), 0, 0)
	n.put([]byte("john"), []byte("john"), []byte("johnson"), 0, 0)

	var buf [4096]byte
	p := (*common.Page)(unsafe.Pointer(&buf[0]))
	n.write(p)

	n2 := &node{}
	n2.read(p)

	assert.Len(t, n2.inodes, 3)
	assert.Equal(t, []byte("john"), n2.inodes[0].key)
	assert.Equal(t, []byte("johnson"), n2.inodes[0].value)
	assert.Equal(t, []byte("ricki"), n2.inodes[1].key)
	assert.Equal(t, []byte("lake"), n2.inodes[1].value)
	assert.Equal(t, []byte("susy"), n2.inodes[2].key)
	assert.Equal(t, []byte("que"), n2.inodes[2].value)
}

func TestNodeSplitThreshold(t *testing.T) {
	n := newTestNode(true)
	for i := 1; i <= 5; i++ {
		key := []byte(fmt.Sprintf("%08d", i))
		n.put(key, key, []byte("0123456701234567"), 0, 0)
	}

	nodes := n.split(100)
	assert.Len(t, nodes, 2)
	assert.Len(t, nodes[0].inodes, 2)
	assert.Len(t, nodes[1].inodes, 3)

	maxKeyFirst := nodes[0].inodes[len(nodes[0].inodes)-1].key
	minKeySecond := nodes[1].inodes[0].key
	assert.True(t, string(maxKeyFirst) < string(minKeySecond))
	assert.NotNil(t, nodes[0].parent)
	assert.Same(t, nodes[0].parent, nodes[1].parent)
}

func TestNodeSplitFitsInPage(t *testing.T) {
	n := newTestNode(true)
	for i := 1; i <= 5; i++ {
		key := []byte(fmt.Sprintf("%08d", i))
		n.put(key, key, []byte("0123456701234567"), 0, 0)
	}

	nodes := n.split(4096)
	assert.Len(t, nodes, 1)
	assert.Len(t, nodes[0].inodes, 5)
}

func TestNodeSplitWithMinKeys(t *testing.T) {
	n := newTestNode(true)
	n.put([]byte("00000001"), []byte("00000001"), []byte("0123456701234567"), 0, 0)
	n.put([]byte("00000002"), []byte("00000002"), []byte("0123456701234567"), 0, 0)

	nodes := n.split(20)
	assert.Len(t, nodes, 1)
	assert.Len(t, nodes[0].inodes, 2)
}

