package boltkv

import "errors"

// These errors can be returned when opening or calling methods on a DB.
var (
	// ErrDatabaseNotOpen is returned when a DB instance is accessed before
	// it is opened or after it is closed.
	ErrDatabaseNotOpen = errors.New("database not open")

	// ErrDatabaseOpen is returned when opening a database that is already
	// open.
	ErrDatabaseOpen = errors.New("database already open")

	// ErrInvalid is returned when both meta pages on a file fail to
	// validate.
	ErrInvalid = errors.New("invalid database")

	// ErrVersionMismatch is returned when the meta page was written by an
	// incompatible on-disk format version.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrChecksum is returned when a meta page's checksum does not match
	// its contents.
	ErrChecksum = errors.New("checksum error")

	// ErrTimeout is returned when a file lock cannot be obtained before a
	// configured timeout elapses.
	ErrTimeout = errors.New("timeout")
)

// These errors can be returned when beginning or committing a Tx.
var (
	// ErrTxClosed is returned when committing or rolling back a
	// transaction that has already been committed or rolled back.
	ErrTxClosed = errors.New("tx closed")

	// ErrTxNotWritable is returned when performing a write operation on a
	// read-only transaction.
	ErrTxNotWritable = errors.New("tx not writable")
)

// These errors can be returned when putting or deleting a key/value pair, or
// creating or deleting a bucket.
var (
	// ErrBucketNotFound is returned when trying to access a bucket that
	// has not been created yet.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrBucketExists is returned when creating a bucket that already
	// exists.
	ErrBucketExists = errors.New("bucket already exists")

	// ErrBucketNameRequired is returned when creating a bucket with a
	// blank name.
	ErrBucketNameRequired = errors.New("bucket name required")

	// ErrKeyRequired is returned when inserting a zero-length key.
	ErrKeyRequired = errors.New("key required")

	// ErrKeyTooLarge is returned when inserting a key that is larger than
	// common.MaxKeySize.
	ErrKeyTooLarge = errors.New("key too large")

	// ErrValueTooLarge is returned when inserting a value that is larger
	// than common.MaxValueSize.
	ErrValueTooLarge = errors.New("value too large")

	// ErrIncompatibleValue is returned when trying to create or delete a
	// bucket on an existing non-bucket key, or when trying to create or
	// delete a non-bucket key on an existing bucket key.
	ErrIncompatibleValue = errors.New("incompatible value")

	// ErrSequenceOverflow is returned when the next sequence number would
	// overflow the sequence counter.
	ErrSequenceOverflow = errors.New("sequence overflow")
)
