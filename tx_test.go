package boltkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxCommitBumpsTxid(t *testing.T) {
	db := mustOpenDB(t)

	var id1, id2 int
	require.NoError(t, db.Update(func(tx *Tx) error {
		id1 = tx.ID()
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))
	require.NoError(t, db.Update(func(tx *Tx) error {
		id2 = tx.ID()
		return nil
	}))

	assert.Greater(t, id2, id1)
}

func TestTxOnCommitRunsOnlyOnSuccess(t *testing.T) {
	db := mustOpenDB(t)

	var ran bool
	require.NoError(t, db.Update(func(tx *Tx) error {
		tx.OnCommit(func() { ran = true })
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))
	assert.True(t, ran)

	ran = false
	err := db.Update(func(tx *Tx) error {
		tx.OnCommit(func() { ran = true })
		return assert.AnError
	})
	assert.Error(t, err)
	assert.False(t, ran)
}

func TestTxForEachVisitsAllBuckets(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		if _, err := tx.CreateBucket([]byte("widgets")); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte("gadgets"))
		return err
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		var names []string
		err := tx.ForEach(func(name []byte, b *Bucket) error {
			names = append(names, string(name))
			return nil
		})
		if err != nil {
			return err
		}
		assert.ElementsMatch(t, []string{"widgets", "gadgets"}, names)
		return nil
	}))
}

func TestTxStatsTracksWrites(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for i := 0; i < 10; i++ {
			if err := b.Put([]byte{byte(i)}, []byte("v")); err != nil {
				return err
			}
		}
		return nil
	}))
	assert.Greater(t, db.Stats().TxStats.PageCount, int64(0))
}

func TestTxCheckCleanDatabaseReportsNoErrors(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for i := 0; i < 200; i++ {
			k := []byte{byte(i / 256), byte(i % 256)}
			if err := b.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		for err := range tx.Check() {
			t.Fatalf("unexpected check error: %v", err)
		}
		return nil
	}))
}
