package boltkv

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kvtree/boltkv/internal/common"
)

// checkConcurrency bounds how many top-level buckets Check scans at once.
// Each bucket's page-reachability walk is independent, so fanning them out
// is safe; the bound keeps a database with thousands of buckets from
// spawning thousands of goroutines at once.
const checkConcurrency = 8

// KeyValueStringer renders keys/values for diagnostic messages. Defaults
// to hex via HexKeyValueStringer.
type KeyValueStringer interface {
	KeyToString([]byte) string
	ValueToString([]byte) string
}

// HexKeyValueStringer renders both key and value as hex strings.
func HexKeyValueStringer() KeyValueStringer { return hexKeyValueStringer{} }

type hexKeyValueStringer struct{}

func (hexKeyValueStringer) KeyToString(key []byte) string     { return hex.EncodeToString(key) }
func (hexKeyValueStringer) ValueToString(value []byte) string { return hex.EncodeToString(value) }

// Check walks every page reachable from every top-level bucket and reports
// any inconsistency — a double-freed page, a page referenced from more
// than one place, a page outside the high water mark, or a key ordering
// violation — on the returned channel. The channel is closed once the
// walk completes. Safe to call on a read-only transaction; on a writable
// one it observes its own uncommitted state.
func (tx *Tx) Check() <-chan error {
	return tx.CheckWithStringer(HexKeyValueStringer())
}

// CheckWithStringer is Check with a caller-supplied key/value renderer.
func (tx *Tx) CheckWithStringer(kvs KeyValueStringer) <-chan error {
	ch := make(chan error)
	go tx.check(kvs, ch)
	return ch
}

func (tx *Tx) check(kvs KeyValueStringer, ch chan error) {
	freed := make(map[common.Pgid]bool)
	for _, id := range tx.db.freelist.pgids() {
		if freed[id] {
			ch <- fmt.Errorf("page %d: already freed", id)
		}
		freed[id] = true
	}

	var mu sync.Mutex
	reachable := make(map[common.Pgid]*common.Page)
	reachable[0] = tx.page(0)
	reachable[1] = tx.page(1)
	if tx.meta.Freelist != common.PgidNoFreelist {
		fp := tx.page(tx.meta.Freelist)
		for i := uint32(0); i <= fp.Overflow; i++ {
			reachable[tx.meta.Freelist+common.Pgid(i)] = fp
		}
	}
	tx.forEachPage(tx.root.Root(), func(p *common.Page, _ int) {
		for i := common.Pgid(0); i <= common.Pgid(p.Overflow); i++ {
			reachable[p.Id+i] = p
		}
	})

	var names [][]byte
	_ = tx.root.ForEach(func(k, _ []byte) error {
		names = append(names, append([]byte(nil), k...))
		return nil
	})

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(checkConcurrency)

	for _, name := range names {
		name := name
		g.Go(func() error {
			b := tx.root.Bucket(name)
			if b == nil {
				return nil
			}
			tx.checkBucket(b, reachable, freed, &mu, kvs, ch)
			return nil
		})
	}
	_ = g.Wait()

	for i := common.Pgid(0); i < tx.meta.Pgid; i++ {
		mu.Lock()
		_, isReachable := reachable[i]
		mu.Unlock()
		if !isReachable && !freed[i] && !tx.db.freelist.freed(i) {
			ch <- fmt.Errorf("page %d: unreachable unfreed", int(i))
		}
	}

	close(ch)
}

func (tx *Tx) checkBucket(b *Bucket, reachable map[common.Pgid]*common.Page, freed map[common.Pgid]bool, mu *sync.Mutex, kvs KeyValueStringer, ch chan error) {
	if b.Root() == 0 {
		return
	}

	tx.forEachPage(b.Root(), func(p *common.Page, _ int) {
		if p.Id > tx.meta.Pgid {
			ch <- fmt.Errorf("page %d: out of bounds: %d", int(p.Id), int(tx.meta.Pgid))
		}

		mu.Lock()
		for i := common.Pgid(0); i <= common.Pgid(p.Overflow); i++ {
			id := p.Id + i
			if _, ok := reachable[id]; ok {
				ch <- fmt.Errorf("page %d: multiple references", int(id))
			}
			reachable[id] = p
		}
		mu.Unlock()

		if freed[p.Id] {
			ch <- fmt.Errorf("page %d: reachable freed", int(p.Id))
		} else if (p.Flags&common.BranchPageFlag) == 0 && (p.Flags&common.LeafPageFlag) == 0 {
			ch <- fmt.Errorf("page %d: invalid type: %s", int(p.Id), p.Typ())
		}
	})

	tx.recursivelyCheckPages(b.Root(), kvs.KeyToString, ch)

	_ = b.ForEach(func(k, _ []byte) error {
		if child := b.Bucket(k); child != nil {
			tx.checkBucket(child, reachable, freed, mu, kvs, ch)
		}
		return nil
	})
}

// recursivelyCheckPages verifies the b-tree key-order invariant: every key
// on a page is sorted, and every key in a child subtree is >= its parent
// branch entry's key and < the next bracketing key.
func (tx *Tx) recursivelyCheckPages(pgid common.Pgid, keyToString func([]byte) string, ch chan error) []byte {
	return tx.recursivelyCheckPagesInternal(pgid, nil, nil, nil, keyToString, ch)
}

func (tx *Tx) recursivelyCheckPagesInternal(pgid common.Pgid, minKeyClosed, maxKeyOpen []byte, stack []common.Pgid, keyToString func([]byte) string, ch chan error) (maxKeyInSubtree []byte) {
	p := tx.page(pgid)
	stack = append(stack, pgid)

	switch {
	case p.Flags&common.BranchPageFlag != 0:
		runningMin := minKeyClosed
		elems := p.BranchPageElements()
		for i := range elems {
			elem := p.BranchPageElement(uint16(i))
			if i == 0 && runningMin != nil && bytes.Compare(runningMin, elem.Key()) > 0 {
				ch <- fmt.Errorf("key (%d, %s) on branch page %d must be >= the ancestor's key; stack %v",
					i, keyToString(elem.Key()), pgid, stack)
			}
			if maxKeyOpen != nil && bytes.Compare(elem.Key(), maxKeyOpen) >= 0 {
				ch <- fmt.Errorf("key (%d, %s) on branch page %d must be < the next ancestor key (%s); stack %v",
					i, keyToString(elem.Key()), pgid, keyToString(maxKeyOpen), stack)
			}

			var maxKey []byte
			if i < len(elems)-1 {
				maxKey = p.BranchPageElement(uint16(i + 1)).Key()
			} else {
				maxKey = maxKeyOpen
			}
			maxKeyInSubtree = tx.recursivelyCheckPagesInternal(elem.Pgid, elem.Key(), maxKey, stack, keyToString, ch)
			runningMin = maxKeyInSubtree
		}
		return maxKeyInSubtree

	case p.Flags&common.LeafPageFlag != 0:
		runningMin := minKeyClosed
		elems := p.LeafPageElements()
		for i := range elems {
			elem := p.LeafPageElement(uint16(i))
			if i == 0 && runningMin != nil && bytes.Compare(runningMin, elem.Key()) > 0 {
				ch <- fmt.Errorf("key (%d, %s) on leaf page %d must be >= the ancestor's key; stack %v",
					i, keyToString(elem.Key()), pgid, stack)
			}
			if i > 0 {
				cmp := bytes.Compare(runningMin, elem.Key())
				if cmp > 0 {
					ch <- fmt.Errorf("key (%d, %s) on leaf page %d must be > previous element (%s); stack %v",
						i, keyToString(elem.Key()), pgid, keyToString(runningMin), stack)
				} else if cmp == 0 {
					ch <- fmt.Errorf("key (%d, %s) on leaf page %d duplicates previous element; stack %v",
						i, keyToString(elem.Key()), pgid, stack)
				}
			}
			if maxKeyOpen != nil && bytes.Compare(elem.Key(), maxKeyOpen) >= 0 {
				ch <- fmt.Errorf("key (%d, %s) on leaf page %d must be < the next ancestor key (%s); stack %v",
					i, keyToString(elem.Key()), pgid, keyToString(maxKeyOpen), stack)
			}
			runningMin = elem.Key()
		}
		if p.Count > 0 {
			return p.LeafPageElement(p.Count - 1).Key()
		}
		return nil

	default:
		ch <- fmt.Errorf("unexpected page type for pgid %d: %s", pgid, p.Typ())
		return nil
	}
}

