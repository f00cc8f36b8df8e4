package boltkv

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustOpenDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bolt.db")
	db, err := Open(path, 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(); _ = os.Remove(path) })
	return db
}

func TestBucketCreateAndGet(t *testing.T) {
	db := mustOpenDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		assert.Equal(t, []byte("bar"), b.Get([]byte("foo")))
		return nil
	})
	require.NoError(t, err)
}

func TestBucketCreateBucketIfNotExistsIsIdempotent(t *testing.T) {
	db := mustOpenDB(t)

	err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists([]byte("widgets"))
		return err
	})
	require.NoError(t, err)
}

func TestBucketCreateBucketAlreadyExists(t *testing.T) {
	db := mustOpenDB(t)

	err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	})
	require.NoError(t, err)

	err = db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	})
	assert.ErrorIs(t, err, ErrBucketExists)
}

func TestBucketDeleteBucket(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.DeleteBucket([]byte("widgets"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.Nil(t, tx.Bucket([]byte("widgets")))
		return nil
	}))
}

func TestBucketPutEmptyKeyErrors(t *testing.T) {
	db := mustOpenDB(t)
	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put(nil, []byte("bar"))
	})
	assert.ErrorIs(t, err, ErrKeyRequired)
}

func TestBucketDeleteRemovesKey(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		return b.Delete([]byte("foo"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		assert.Nil(t, b.Get([]byte("foo")))
		return nil
	}))
}

func TestBucketNextSequence(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		seq1, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq2, err := b.NextSequence()
		if err != nil {
			return err
		}
		assert.Equal(t, uint64(1), seq1)
		assert.Equal(t, uint64(2), seq2)
		return nil
	}))
}

func TestBucketForEachOrdering(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"foo", "bar", "baz"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		var got []string
		err = b.ForEach(func(k, v []byte) error {
			got = append(got, string(k))
			return nil
		})
		if err != nil {
			return err
		}
		assert.Equal(t, []string{"bar", "baz", "foo"}, got)
		return nil
	}))
}

func TestBucketManyKeysStats(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for i := 0; i < 2000; i++ {
			k := []byte(fmt.Sprintf("%08d", i))
			if err := b.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		s := b.Stats()
		assert.Equal(t, 2000, s.KeyN)
		assert.True(t, s.LeafPageN > 1)
		return nil
	}))
}

func TestBucketInlineBucketStaysInline(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		assert.Equal(t, 1, b.Stats().InlineBucketN)
		return nil
	}))
}

func TestBucketIncompatibleValue(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	}))

	err := db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		_, err := b.CreateBucket([]byte("foo"))
		return err
	})
	assert.ErrorIs(t, err, ErrIncompatibleValue)
}
