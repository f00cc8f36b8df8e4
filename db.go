package boltkv

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/kvtree/boltkv/internal/common"
)

// maxMapSize is large enough that db.data can always be cast to a fixed
// array of this size regardless of how much of it is actually mapped.
const maxMapSize = 0xFFFFFFFFFFFF

// maxAllocSize is the size used when creating array pointers.
const maxAllocSize = 0x7FFFFFFF

// minMmapSize is the smallest a newly opened database's mmap will be.
const minMmapSize = 1 << 22 // 4MB

// maxMmapStep is the largest step, in bytes, taken when growing the mmap.
const maxMmapStep = 1 << 30 // 1GB

// DefaultAllocSize is unused by this module directly but kept as a
// documented knob alongside Options, matching the teacher/pack convention
// of naming every tunable even when a default value is all this repo needs.
const DefaultAllocSize = 16 * 1024 * 1024

// Options configures how an existing database is opened, mirroring the
// teacher's struct-literal configuration style: no flags package, no env
// vars, just fields set (or left at zero value) by the caller.
type Options struct {
	// Timeout bounds how long Open waits to obtain the file lock. Zero
	// means wait indefinitely.
	Timeout time.Duration

	// NoGrowSync skips the fsync that follows a file-size increase.
	// Mostly useful on filesystems (ext3/ext4, older XFS) that fsync the
	// whole directory on every file growth.
	NoGrowSync bool

	// ReadOnly opens the database read-only, via flock(LOCK_SH).
	ReadOnly bool

	// MmapFlags are extra platform flags passed to mmap, e.g.
	// syscall.MAP_POPULATE on Linux.
	MmapFlags int

	// InitialMmapSize is the initial size, in bytes, of the memory
	// mapped region. Setting this large enough to hold the expected
	// working set avoids remapping (and the write-transaction stall
	// that comes with it) during initial writes.
	InitialMmapSize int

	// PageSize overrides the OS page size used for a newly created
	// database. Ignored when opening an existing file, which carries
	// its own page size in the meta page.
	PageSize int

	// NoSync, when true, skips calling fsync/fdatasync after each
	// write. Setting this is unsafe: on an unclean shutdown the
	// database file may be corrupted.
	NoSync bool

	// NoFreelistSync skips writing the freelist to disk on each commit,
	// rebuilding it from a full tree scan on open instead. Trades a
	// slower open for faster commits and a smaller database file.
	NoFreelistSync bool

	// FreelistType selects arrayFreelist or hashmapFreelist.
	FreelistType FreelistType
}

// DefaultOptions are the Options Open uses when passed nil.
var DefaultOptions = &Options{
	Timeout:      0,
	NoGrowSync:   false,
	FreelistType: FreelistArrayType,
}

// DB represents the top-level embedded database: one memory-mapped file,
// one writer at a time, any number of concurrent readers. Every exported
// method is safe to call from multiple goroutines except where noted.
type DB struct {
	// NoSync, NoGrowSync, NoFreelistSync, MmapFlags mirror the Options a
	// DB was opened with; copied here so Tx/freelist code can read them
	// without threading an *Options through every call.
	NoSync         bool
	NoGrowSync     bool
	NoFreelistSync bool
	MmapFlags      int

	path     string
	file     *os.File
	dataref  []byte // mmap'd readonly, write throws SEGV
	data     *[maxMapSize]byte
	datasz   int
	mapAddr  uintptr // windows-only handle to the mapped view
	meta0    *common.Meta
	meta1    *common.Meta
	pageSize int
	opened   bool
	readOnly bool

	rwtx *Tx
	txs  []*Tx

	freelist     freelist
	freelistType FreelistType
	stats        Stats

	rwlock   sync.Mutex   // serializes writers
	metalock sync.Mutex   // protects meta0/meta1/txs/freelist swap
	mmaplock sync.RWMutex // protects db.data during remap
	statlock sync.RWMutex // protects stats

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}
}

// Path returns the path to the currently open database file.
func (db *DB) Path() string { return db.path }

// GoString implements fmt.GoStringer.
func (db *DB) GoString() string { return fmt.Sprintf("boltkv.DB{path:%q}", db.path) }

func (db *DB) String() string { return fmt.Sprintf("DB<%q>", db.path) }

// Open creates and opens a database at the given path. If the file does
// not exist, it is created. Timeout controls how long Open waits for the
// file lock before returning ErrTimeout; zero blocks indefinitely.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	db := &DB{opened: true}

	if options == nil {
		options = DefaultOptions
	}
	db.NoSync = options.NoSync
	db.NoGrowSync = options.NoGrowSync
	db.NoFreelistSync = options.NoFreelistSync
	db.MmapFlags = options.MmapFlags
	db.readOnly = options.ReadOnly

	db.freelistType = options.FreelistType
	if db.freelistType == "" {
		db.freelistType = FreelistArrayType
	}

	flag := os.O_RDWR
	if db.readOnly {
		flag = os.O_RDONLY
	}

	var err error
	if db.file, err = os.OpenFile(path, flag|os.O_CREATE, mode); err != nil {
		_ = db.close()
		return nil, err
	}
	db.path = db.file.Name()

	if err := flock(db, !db.readOnly, int(options.Timeout/time.Millisecond)); err != nil {
		_ = db.close()
		return nil, err
	}

	db.ops.writeAt = db.file.WriteAt

	if info, err := db.file.Stat(); err != nil {
		_ = db.close()
		return nil, fmt.Errorf("stat error: %s", err)
	} else if info.Size() == 0 {
		if err := db.init(options.PageSize); err != nil {
			_ = db.close()
			return nil, err
		}
	} else {
		var buf [0x1000]byte
		if _, err := db.file.ReadAt(buf[:], 0); err == nil {
			m := db.pageInBuffer(buf[:], 0).Meta()
			if err := m.Validate(); err != nil {
				db.pageSize = os.Getpagesize()
			} else {
				db.pageSize = int(m.PageSize)
			}
		}
	}

	if db.pageSize == 0 {
		db.pageSize = os.Getpagesize()
	}

	if err := db.mmap(options.InitialMmapSize); err != nil {
		_ = db.close()
		return nil, err
	}

	db.freelist = newFreelist(db.freelistType)
	if !db.hasSyncedFreelist() {
		db.freelist.reload(db.freelistPage())
	} else {
		db.freelist.read(db.freelistPage())
	}
	db.stats.FreePageN = db.freelist.free_count()

	return db, nil
}

func (db *DB) hasSyncedFreelist() bool {
	return db.meta().Freelist != common.PgidNoFreelist
}

// init creates a new database file and initializes its first four pages:
// meta 0, meta 1, an empty freelist, and an empty root leaf.
func (db *DB) init(pageSize int) error {
	if pageSize == 0 {
		pageSize = os.Getpagesize()
	}
	db.pageSize = pageSize

	buf := make([]byte, db.pageSize*4)
	for i := 0; i < 2; i++ {
		p := db.pageInBuffer(buf, common.Pgid(i))
		p.Id = common.Pgid(i)
		p.Flags = common.MetaPageFlag

		m := p.Meta()
		m.Magic = common.Magic
		m.Version = common.Version
		m.PageSize = uint32(db.pageSize)
		m.Freelist = 2
		m.Root = common.NewInBucket(3, 0)
		m.Pgid = 4
		m.Txid = common.Txid(i)
		m.Checksum = m.Sum64()
	}

	p := db.pageInBuffer(buf, common.Pgid(2))
	p.Id = 2
	p.Flags = common.FreelistPageFlag
	p.Count = 0

	p = db.pageInBuffer(buf, common.Pgid(3))
	p.Id = 3
	p.Flags = common.LeafPageFlag
	p.Count = 0

	if _, err := db.ops.writeAt(buf, 0); err != nil {
		return err
	}
	if err := fdatasync(db); err != nil {
		return err
	}

	return nil
}

// mmap memory maps the data file, re-validating both meta pages after
// every remap since a grown file may have relocated the backing memory.
func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	if db.rwtx != nil {
		db.rwtx.dereferenceNodes()
	}

	size, err := mmapFileSize(db.file)
	if err != nil {
		return fmt.Errorf("mmap stat error: %s", err)
	} else if int(size) < db.pageSize*2 {
		return fmt.Errorf("file size too small")
	}

	var newSize = int(size)
	if newSize < minsz {
		newSize = minsz
	}
	newSize = db.mmapSize(newSize)

	if err := munmap(db); err != nil {
		return err
	}

	failpointBeforeMmap()
	if err := mmap(db, newSize); err != nil {
		return err
	}

	db.meta0 = db.page(0).Meta()
	db.meta1 = db.page(1).Meta()

	err0 := db.meta0.Validate()
	err1 := db.meta1.Validate()
	if err0 != nil && err1 != nil {
		return err0
	}

	return nil
}

// mmapSize determines the next mmap size given a minimum requirement: it
// doubles from 4MB up to 1GB and then grows in fixed 1GB steps, rounded up
// to a page-size multiple.
func (db *DB) mmapSize(size int) int {
	if size < minMmapSize {
		return minMmapSize
	} else if size < maxMmapStep {
		size *= 2
	} else {
		size += maxMmapStep
	}

	if (size % db.pageSize) != 0 {
		size = ((size / db.pageSize) + 1) * db.pageSize
	}
	return size
}

// grow truncates the file up to sz bytes and syncs it, but only when sz
// exceeds both the current file size and the mapped size (db.datasz) and
// neither NoGrowSync nor read-only mode is set; otherwise it does nothing.
// On Windows it syncs without truncating. The mmap is not resized here.
func (db *DB) grow(sz int) error {
	if sz <= db.filesz() {
		return nil
	}

	if db.datasz >= sz {
		return nil
	}

	if !db.NoGrowSync && !db.readOnly {
		if runtime.GOOS != "windows" {
			if err := db.file.Truncate(int64(sz)); err != nil {
				return fmt.Errorf("file resize error: %s", err)
			}
		}
		if err := db.file.Sync(); err != nil {
			return fmt.Errorf("file sync error: %s", err)
		}
	}

	return nil
}

func (db *DB) filesz() int {
	fi, err := db.file.Stat()
	if err != nil {
		return 0
	}
	return int(fi.Size())
}

// Close releases every resource held by the database. All transactions
// must already be closed.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.opened = false
	db.freelist = nil

	if err := munmap(db); err != nil {
		return err
	}

	if db.file != nil {
		if !db.readOnly {
			_ = funlock(db)
		}
		if err := db.file.Close(); err != nil {
			return fmt.Errorf("db file close: %s", err)
		}
		db.file = nil
	}

	db.path = ""
	return nil
}

// Begin starts a new transaction. Multiple read-only transactions can run
// concurrently, but only one writable transaction runs at a time; a
// second writer blocks until the first commits or rolls back.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	db.metalock.Lock()

	db.mmaplock.RLock()

	if !db.opened {
		db.mmaplock.RUnlock()
		db.metalock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{}
	t.init(db)

	db.txs = append(db.txs, t)

	db.metalock.Unlock()

	db.statlock.Lock()
	db.stats.TxN++
	db.stats.OpenTxN = len(db.txs)
	db.statlock.Unlock()

	return t, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	if db.readOnly {
		return nil, ErrDatabaseNotOpen
	}

	db.rwlock.Lock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	if !db.opened {
		db.rwlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{writable: true}
	t.init(db)
	db.rwtx = t

	db.statlock.Lock()
	db.stats.TxN++
	db.statlock.Unlock()

	var minid common.Txid = 0xFFFFFFFFFFFFFFFF
	for _, other := range db.txs {
		if common.Txid(other.meta.Txid) < minid {
			minid = common.Txid(other.meta.Txid)
		}
	}
	if minid > 0 {
		db.freelist.release(minid - 1)
	}

	return t, nil
}

// removeTx unregisters a finished read-only transaction and merges its
// stats into db.stats.
func (db *DB) removeTx(t *Tx) {
	db.mmaplock.RUnlock()

	db.metalock.Lock()
	for i, tx := range db.txs {
		if tx == t {
			last := len(db.txs) - 1
			db.txs[i] = db.txs[last]
			db.txs = db.txs[:last]
			break
		}
	}
	n := len(db.txs)
	db.metalock.Unlock()

	db.statlock.Lock()
	db.stats.OpenTxN = n
	db.stats.TxStats.add(&t.stats)
	db.statlock.Unlock()
}

// Update runs fn within a writable managed transaction, committing on a
// nil return and rolling back otherwise.
func (db *DB) Update(fn func(*Tx) error) error {
	t, err := db.Begin(true)
	if err != nil {
		return err
	}

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Commit()
}

// View runs fn within a read-only managed transaction.
func (db *DB) View(fn func(*Tx) error) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Rollback()
}

// Batch is an alias for Update kept for API parity with the teacher; this
// module does not implement write coalescing across goroutines since
// spec.md's concurrency model is explicitly single-writer.
func (db *DB) Batch(fn func(*Tx) error) error { return db.Update(fn) }

// Stats returns a point-in-time snapshot of database-wide statistics.
func (db *DB) Stats() Stats {
	db.statlock.RLock()
	defer db.statlock.RUnlock()
	return db.stats
}

// Stats records engine-wide counters, aggregated from every transaction
// that has closed since the database was opened.
type Stats struct {
	FreePageN     int
	PendingPageN  int
	FreeAlloc     int
	FreelistInuse int

	TxN     int
	OpenTxN int

	TxStats TxStats
}

// page returns a reference to the page identified by pgid within the
// mmap'd region.
func (db *DB) page(id common.Pgid) *common.Page {
	pos := id * common.Pgid(db.pageSize)
	return (*common.Page)(unsafe.Pointer(&db.data[pos]))
}

// pageInBuffer returns a page reference within a standalone byte buffer,
// used while the mmap is not yet established (Open's init path).
func (db *DB) pageInBuffer(b []byte, id common.Pgid) *common.Page {
	return (*common.Page)(unsafe.Pointer(&b[id*common.Pgid(db.pageSize)]))
}

// meta returns whichever of meta0/meta1 carries the higher valid txid.
func (db *DB) meta() *common.Meta {
	metaA := db.meta0
	metaB := db.meta1
	if db.meta1.Txid > db.meta0.Txid {
		metaA = db.meta1
		metaB = db.meta0
	}

	if err := metaA.Validate(); err == nil {
		return metaA
	} else if err := metaB.Validate(); err == nil {
		return metaB
	}

	panic("boltkv: invalid meta pages")
}

func (db *DB) freelistPage() *common.Page { return db.page(db.meta().Freelist) }

// allocate returns a contiguous run of count pages, preferring a freelist
// run and otherwise extending the high water mark (and, if necessary, the
// mmap) to make room.
func (db *DB) allocate(txid common.Txid, count int) (*common.Page, error) {
	buf := make([]byte, count*db.pageSize)
	p := (*common.Page)(unsafe.Pointer(&buf[0]))
	p.Overflow = uint32(count - 1)

	if p.Id = db.freelist.allocate(txid, count); p.Id != 0 {
		return p, nil
	}

	p.Id = db.rwtx.meta.Pgid
	var minsz = int((p.Id + common.Pgid(count) + 1)) * db.pageSize
	if minsz >= db.datasz {
		failpointBeforeMmap()
		if err := db.mmap(minsz); err != nil {
			return nil, fmt.Errorf("mmap allocate error: %s", err)
		}
	}

	db.rwtx.meta.Pgid += common.Pgid(count)

	return p, nil
}

