package boltkv

import (
	"fmt"
	"sort"
	"time"
	"unsafe"

	"github.com/kvtree/boltkv/internal/common"
)

// Tx is the transaction facade the core bucket/node/cursor/freelist code
// consumes: page(pgid), allocate(n), a writable flag, and the running
// high-water mark (meta.Pgid). It also drives the commit/rollback pipeline
// since this repo has no separate transaction-manager module.
//
// Read-only transactions see the consistent snapshot fixed by their copy
// of the meta page; writable transactions see their own uncommitted
// mutations immediately through the bucket node caches. At most one
// writable Tx exists at a time.
type Tx struct {
	writable bool
	managed  bool
	db       *DB
	meta     *common.Meta
	root     Bucket
	pages    map[common.Pgid]*common.Page
	stats    TxStats

	commitHandlers []func()

	// WriteFlag is a flag for copying data out of the transaction; no
	// method in this package reads it.
	WriteFlag int
}

func (tx *Tx) init(db *DB) {
	tx.db = db
	tx.pages = nil

	tx.meta = &common.Meta{}
	db.meta().Copy(tx.meta)

	tx.root = newBucket(tx)
	tx.root.InBucket = &common.InBucket{}
	*tx.root.InBucket = tx.meta.Root

	if tx.writable {
		tx.pages = make(map[common.Pgid]*common.Page)
		tx.meta.Txid++
	}
}

// ID returns the transaction id.
func (tx *Tx) ID() int { return int(tx.meta.Txid) }

// DB returns the database that created this transaction.
func (tx *Tx) DB() *DB { return tx.db }

// Size returns the current database size in bytes as seen by this
// transaction.
func (tx *Tx) Size() int64 { return int64(tx.meta.Pgid) * int64(tx.db.pageSize) }

// Writable reports whether the transaction permits mutation.
func (tx *Tx) Writable() bool { return tx.writable }

// Stats returns a copy of the transaction's statistics.
func (tx *Tx) Stats() TxStats { return tx.stats }

// Cursor returns a cursor over the root bucket. Every key in it points to
// a sub-bucket, so values are always nil.
func (tx *Tx) Cursor() *Cursor { return tx.root.Cursor() }

// Bucket retrieves a top-level bucket by name. Returns nil if it does not
// exist.
func (tx *Tx) Bucket(name []byte) *Bucket { return tx.root.Bucket(name) }

// CreateBucket creates a new top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) { return tx.root.CreateBucket(name) }

// CreateBucketIfNotExists creates a new top-level bucket if it doesn't
// already exist.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket deletes a top-level bucket.
func (tx *Tx) DeleteBucket(name []byte) error { return tx.root.DeleteBucket(name) }

// ForEach walks every top-level bucket name.
func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEach(func(k, _ []byte) error {
		return fn(k, tx.root.Bucket(k))
	})
}

// OnCommit registers a function to be called after the transaction
// successfully commits.
func (tx *Tx) OnCommit(fn func()) { tx.commitHandlers = append(tx.commitHandlers, fn) }

// Commit rebalances, spills, and writes the transaction's mutations,
// finishing with the meta-page write that makes them visible to new
// transactions. No-op mutations beyond this point: on any failure the tree
// is rolled back and the old on-disk state remains authoritative.
func (tx *Tx) Commit() error {
	if tx.managed {
		panic("managed tx commit not allowed")
	}
	if tx.db == nil {
		return ErrTxClosed
	} else if !tx.writable {
		return ErrTxNotWritable
	}

	startTime := time.Now()
	tx.root.rebalance()
	if tx.stats.Rebalance > 0 {
		tx.stats.RebalanceTime += time.Since(startTime)
	}

	opgid := tx.meta.Pgid

	startTime = time.Now()
	if err := tx.root.spill(); err != nil {
		tx.rollback()
		return err
	}
	tx.stats.SpillTime += time.Since(startTime)

	tx.meta.Root = *tx.root.InBucket

	if tx.meta.Freelist != common.PgidNoFreelist {
		tx.db.freelist.free(tx.meta.Txid, tx.page(tx.meta.Freelist))
	}

	if !tx.db.NoFreelistSync {
		if err := tx.commitFreelist(); err != nil {
			tx.rollback()
			return err
		}
	} else {
		tx.meta.Freelist = common.PgidNoFreelist
	}

	if tx.meta.Pgid > opgid {
		if err := tx.db.grow(int(tx.meta.Pgid+1) * tx.db.pageSize); err != nil {
			tx.rollback()
			return err
		}
	}

	startTime = time.Now()
	if err := tx.write(); err != nil {
		tx.rollback()
		return err
	}

	if err := tx.writeMeta(); err != nil {
		tx.rollback()
		return err
	}
	tx.stats.WriteTime += time.Since(startTime)

	tx.close()

	for _, fn := range tx.commitHandlers {
		fn()
	}

	return nil
}

func (tx *Tx) commitFreelist() error {
	p, err := tx.allocate((tx.db.freelist.size() / tx.db.pageSize) + 1)
	if err != nil {
		return err
	}
	if err := tx.db.freelist.write(p); err != nil {
		return err
	}
	tx.meta.Freelist = p.Id
	return nil
}

// Rollback closes the transaction and discards every mutation it made.
func (tx *Tx) Rollback() error {
	if tx.managed {
		panic("managed tx rollback not allowed")
	}
	if tx.db == nil {
		return ErrTxClosed
	}
	tx.nonPhysicalRollback()
	return nil
}

func (tx *Tx) nonPhysicalRollback() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.Txid)
	}
	tx.close()
}

// rollback additionally reloads the freelist from disk, used when a
// collaborator failure (a failed allocation/write) leaves the in-memory
// freelist state unreliable.
func (tx *Tx) rollback() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.Txid)
		if tx.db.data != nil {
			tx.db.freelist.reload(tx.db.freelistPage())
		}
	}
	tx.close()
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		freelistFreeN := tx.db.freelist.free_count()
		freelistPendingN := tx.db.freelist.pending_count()
		freelistAlloc := tx.db.freelist.size()

		tx.db.rwtx = nil
		tx.db.rwlock.Unlock()

		tx.db.statlock.Lock()
		tx.db.stats.FreePageN = freelistFreeN
		tx.db.stats.PendingPageN = freelistPendingN
		tx.db.stats.FreeAlloc = (freelistFreeN + freelistPendingN) * tx.db.pageSize
		tx.db.stats.FreelistInuse = freelistAlloc
		tx.db.stats.TxStats.add(&tx.stats)
		tx.db.statlock.Unlock()
	} else {
		tx.db.removeTx(tx)
	}

	tx.db = nil
	tx.meta = nil
	tx.root = Bucket{tx: tx}
	tx.pages = nil
}

// page returns a reference to the page identified by pgid: the dirty-page
// cache for a writable transaction's own uncommitted allocations, falling
// through to the database's mapped view otherwise.
func (tx *Tx) page(pgid common.Pgid) *common.Page {
	if tx.pages != nil {
		if p, ok := tx.pages[pgid]; ok {
			return p
		}
	}
	return tx.db.page(pgid)
}

// forEachPage visits p and, if it is a branch page, recurses into every
// child, depth first.
func (tx *Tx) forEachPage(pgid common.Pgid, fn func(*common.Page, int)) {
	tx.forEachPageDepth(pgid, 0, fn)
}

func (tx *Tx) forEachPageDepth(pgid common.Pgid, depth int, fn func(*common.Page, int)) {
	p := tx.page(pgid)
	fn(p, depth)

	if (p.Flags & common.BranchPageFlag) != 0 {
		for i := 0; i < int(p.Count); i++ {
			elem := p.BranchPageElement(uint16(i))
			tx.forEachPageDepth(elem.Pgid, depth+1, fn)
		}
	}
}

// allocate returns a contiguous block of fresh pages, preferring a
// freelist run and falling back to growing the high-water mark.
func (tx *Tx) allocate(count int) (*common.Page, error) {
	p, err := tx.db.allocate(tx.meta.Txid, count)
	if err != nil {
		return nil, err
	}

	tx.pages[p.Id] = p

	tx.stats.PageCount += int64(count)
	tx.stats.PageAlloc += int64(count * tx.db.pageSize)

	return p, nil
}

// write flushes every dirty page in tx.pages to disk in ascending pgid
// order, syncing after each page unless NoSync is set.
func (tx *Tx) write() error {
	pages := make(common.Pages, 0, len(tx.pages))
	for _, p := range tx.pages {
		pages = append(pages, p)
	}
	tx.pages = make(map[common.Pgid]*common.Page)
	sort.Sort(pages)

	for _, p := range pages {
		size := (int(p.Overflow) + 1) * tx.db.pageSize
		offset := int64(p.Id) * int64(tx.db.pageSize)

		buf := unsafeByteSlice(unsafe.Pointer(p), 0, 0, size)

		failpointBeforeWritePage()
		if _, err := tx.db.ops.writeAt(buf, offset); err != nil {
			return err
		}

		if !tx.db.NoSync || IgnoreNoSync {
			if err := fdatasync(tx.db); err != nil {
				return err
			}
		}

		tx.stats.Write++
	}

	if !tx.db.NoGrowSync && !tx.db.readOnly {
		if err := tx.db.file.Sync(); err != nil {
			return fmt.Errorf("sync error: %s", err)
		}
	}

	return nil
}

func (tx *Tx) writeMeta() error {
	buf := make([]byte, tx.db.pageSize)
	p := tx.db.pageInBuffer(buf, 0)
	tx.meta.Write(p)

	failpointBeforeWriteMetaPage()
	if _, err := tx.db.ops.writeAt(buf, int64(p.Id)*int64(tx.db.pageSize)); err != nil {
		return err
	}
	if !tx.db.NoSync || IgnoreNoSync {
		if err := fdatasync(tx.db); err != nil {
			return err
		}
	}

	tx.stats.Write++
	return nil
}

// TxStats records per-transaction counters, aggregated into DB.Stats()
// when the writer closes.
type TxStats struct {
	PageCount int64 // number of page allocations
	PageAlloc int64 // total bytes allocated

	CursorCount int64 // number of cursors created

	NodeCount int64 // number of node allocations
	NodeDeref int64 // number of node dereferences

	Rebalance     int64 // number of node rebalances
	RebalanceTime time.Duration

	Split     int64 // number of nodes split
	Spill     int64 // number of nodes spilled
	SpillTime time.Duration

	Write     int64 // number of writes performed
	WriteTime time.Duration
}

func (s *TxStats) add(other *TxStats) {
	s.PageCount += other.PageCount
	s.PageAlloc += other.PageAlloc
	s.CursorCount += other.CursorCount
	s.NodeCount += other.NodeCount
	s.NodeDeref += other.NodeDeref
	s.Rebalance += other.Rebalance
	s.RebalanceTime += other.RebalanceTime
	s.Split += other.Split
	s.Spill += other.Spill
	s.SpillTime += other.SpillTime
	s.Write += other.Write
	s.WriteTime += other.WriteTime
}

// IgnoreNoSync is only used in tests to work around a broken fsync
// implementation on certain CI filesystems, mirroring the upstream bbolt
// test helper of the same name.
var IgnoreNoSync = false
