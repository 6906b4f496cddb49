package checkpoint

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadFreshIsInit(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Load("layout-master")
	require.NoError(t, err)
	assert.Equal(t, StatusInit, rec.Status)
	assert.Equal(t, int64(0), rec.SuccessCount)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := Record{
		Status:       StatusScanning,
		Position:     "0x200000400:0x1:0x0",
		SuccessCount: 3,
		ItemsChecked: 1000,
	}
	require.NoError(t, s.Save("namespace", rec))

	got, err := s.Load("namespace")
	require.NoError(t, err)
	assert.Equal(t, StatusScanning, got.Status)
	assert.Equal(t, "0x200000400:0x1:0x0", got.Position)
	assert.Equal(t, int64(3), got.SuccessCount)
	assert.Equal(t, int64(1000), got.ItemsChecked)
}

func TestResetPreservesHistory(t *testing.T) {
	s := openTestStore(t)
	complete := time.Now().Truncate(time.Second)
	require.NoError(t, s.Save("layout-slave", Record{
		Status:           StatusCompleted,
		Position:         "deadbeef",
		SuccessCount:     5,
		TimeLastComplete: complete,
		ItemsChecked:     42,
	}))

	require.NoError(t, s.Reset("layout-slave"))

	rec, err := s.Load("layout-slave")
	require.NoError(t, err)
	assert.Equal(t, StatusInit, rec.Status)
	assert.Equal(t, "", rec.Position)
	assert.Equal(t, int64(0), rec.ItemsChecked)
	assert.Equal(t, int64(5), rec.SuccessCount)
	assert.True(t, complete.Equal(rec.TimeLastComplete))
}

func TestMagicMismatchForcesFreshRecord(t *testing.T) {
	s := openTestStore(t)
	rec := newRecord()
	rec.Magic = 0xdeadbeef
	rec.SuccessCount = 9
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte("stale"), data)
	}))

	got, err := s.Load("stale")
	require.NoError(t, err)
	assert.Equal(t, StatusInit, got.Status)
	assert.Equal(t, int64(0), got.SuccessCount)
}
