package boltkv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bolt.db")
	db, err := Open(path, 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.Size() > 0)
}

func TestOpenTwiceReusesMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bolt.db")
	db, err := Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path, 0o600, nil)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		assert.Equal(t, []byte("bar"), b.Get([]byte("foo")))
		return nil
	}))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	}))

	boom := assert.AnError
	err := db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		if err := b.Put([]byte("foo"), []byte("baz")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		assert.Equal(t, []byte("bar"), b.Get([]byte("foo")))
		return nil
	}))
}

func TestViewRejectsWrite(t *testing.T) {
	db := mustOpenDB(t)
	err := db.View(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	})
	assert.ErrorIs(t, err, ErrTxNotWritable)
}

func TestDBStatsTracksTxCounts(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))

	s := db.Stats()
	assert.Equal(t, 1, s.TxN)
	assert.Equal(t, 0, s.OpenTxN)
}

func TestOpenReadOnlyRejectsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, 0o600, &Options{ReadOnly: true})
	assert.Error(t, err)
}

func TestFreelistArrayAndHashmapAgreeAfterReopen(t *testing.T) {
	for _, typ := range []FreelistType{FreelistArrayType, FreelistMapType} {
		typ := typ
		t.Run(string(typ), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bolt.db")
			opts := &Options{FreelistType: typ}
			db, err := Open(path, 0o600, opts)
			require.NoError(t, err)

			require.NoError(t, db.Update(func(tx *Tx) error {
				b, err := tx.CreateBucket([]byte("widgets"))
				if err != nil {
					return err
				}
				for i := 0; i < 50; i++ {
					if err := b.Put([]byte{byte(i)}, []byte("v")); err != nil {
						return err
					}
				}
				return nil
			}))
			require.NoError(t, db.Update(func(tx *Tx) error {
				return tx.DeleteBucket([]byte("widgets"))
			}))
			require.NoError(t, db.Close())

			db2, err := Open(path, 0o600, opts)
			require.NoError(t, err)
			defer db2.Close()
			require.NoError(t, db2.View(func(tx *Tx) error {
				assert.Nil(t, tx.Bucket([]byte("widgets")))
				return nil
			}))
		})
	}
}
