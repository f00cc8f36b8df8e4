package boltkv

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorFirstLast(t *testing.T) {
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

		c := b.Cursor()
		k, _ := c.First()
		assert.Equal(t, []byte("bar"), k)
		k, _ = c.Last()
		assert.Equal(t, []byte("foo"), k)
		return nil
	}))
}

func TestCursorForwardWalkStrictlyIncreasing(t *testing.T) {
	db := mustOpenDB(t)
	keys := []string{}
	for i := 0; i < 500; i++ {
		keys = append(keys, fmt.Sprintf("%08d", (i*7919)%500))
	}

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		c := b.Cursor()
		var prev []byte
		n := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if prev != nil {
				assert.True(t, string(prev) < string(k), "%q should be < %q", prev, k)
			}
			prev = append([]byte(nil), k...)
			n++
		}
		assert.Equal(t, 500, n)
		return nil
	}))
}

func TestCursorSeek(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "c", "e"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}

		c := b.Cursor()
		k, _ := c.Seek([]byte("b"))
		assert.Equal(t, []byte("c"), k)
		k, _ = c.Seek([]byte("e"))
		assert.Equal(t, []byte("e"), k)
		k, _ = c.Seek([]byte("f"))
		assert.Nil(t, k)
		return nil
	}))
}

func TestCursorDelete(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "b", "c"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}

		c := b.Cursor()
		k, _ := c.Seek([]byte("b"))
		require.Equal(t, []byte("b"), k)
		require.NoError(t, c.Delete())
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		assert.Nil(t, b.Get([]byte("b")))
		assert.Equal(t, []byte("a"), b.Get([]byte("a")))
		assert.Equal(t, []byte("c"), b.Get([]byte("c")))
		return nil
	}))
}

func TestCursorPrevAfterLast(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		keys := []string{"a", "b", "c", "d"}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}

		c := b.Cursor()
		var got []string
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			got = append(got, string(k))
		}
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
		assert.Equal(t, keys, got)
		return nil
	}))
}
