package checker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
	"github.com/sdsc/lfsck/internal/lfsck/lockmgr"
	"github.com/sdsc/lfsck/internal/lfsck/lovea"
	"github.com/sdsc/lfsck/internal/lfsck/metrics"
	"github.com/sdsc/lfsck/internal/lfsck/peer"
	"github.com/sdsc/lfsck/internal/lfsck/registry"
	"github.com/sdsc/lfsck/internal/lfsck/store"
	"github.com/sdsc/lfsck/internal/lfsck/tracingfile"
)

func newTestSlave(t *testing.T, ostIdx uint16, bus *peer.Bus) (*LayoutSlave, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore(fid.SeqIdifMin | (uint64(ostIdx) << 16))
	reg := registry.New()
	trace, err := tracingfile.Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = trace.Close() })
	m := metrics.New(prometheus.NewRegistry())
	lm := lockmgr.NewLocal(0)

	base := NewBase("layout-slave-test", st, lm, reg, nil, trace, m, nil, Policy{}, true)
	return NewLayoutSlave(base, ostIdx, bus), st
}

func TestExecOITMarksKnownAndTracksLastID(t *testing.T) {
	s, st := newTestSlave(t, 3, nil)
	ctx := context.Background()

	obj := st.PutDirect(fid.FID{Seq: 100, Oid: 5}, store.Attr{Type: store.TypeRegular})
	require.NoError(t, s.ExecOIT(ctx, obj, store.Attr{Type: store.TypeRegular}))

	s.CheckLastID(100, 4)
	assert.True(t, s.CrashedLastID(), "on-disk LAST_ID behind observed max must set the crashed flag")

	s2, _ := newTestSlave(t, 3, nil)
	obj2 := st.PutDirect(fid.FID{Seq: 200, Oid: 5}, store.Attr{Type: store.TypeRegular})
	require.NoError(t, s2.ExecOIT(ctx, obj2, store.Attr{Type: store.TypeRegular}))
	s2.CheckLastID(200, 10)
	assert.False(t, s2.CrashedLastID())
}

func TestFIDAccessedNotificationMarksAccessed(t *testing.T) {
	bus := peer.NewBus()
	s, st := newTestSlave(t, 0, bus)
	ctx := context.Background()

	obj := st.PutDirect(fid.FID{Seq: 50, Oid: 9}, store.Attr{Type: store.TypeRegular})
	require.NoError(t, s.ExecOIT(ctx, obj, store.Attr{Type: store.TypeRegular}))

	reply, err := bus.Send(ctx, 0, peer.Notification{Event: peer.EventFIDAccessed, Seq: 50, Oid: 9})
	require.NoError(t, err)
	assert.Equal(t, 1, reply.Status)

	require.NoError(t, s.EnterDoubleScan(ctx))
	recs, err := s.OrphanIndex(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs, "an accessed object must not be reported as an orphan")
}

func TestOrphanIndexReportsUnaccessedKnownObjects(t *testing.T) {
	s, st := newTestSlave(t, 2, nil)
	ctx := context.Background()

	known := fid.FID{Seq: 70, Oid: 1}
	obj := st.PutDirect(known, store.Attr{Type: store.TypeRegular, UID: 11, GID: 22})
	parentFID := fid.FID{Seq: 70, Oid: 0xffff}
	ff := lovea.NewFilterFid(parentFID, 4)
	require.NoError(t, st.XattrSet(ctx, obj, store.XattrFilterFid, ff.Encode(), store.XattrCreate, nil))

	require.NoError(t, s.ExecOIT(ctx, obj, store.Attr{Type: store.TypeRegular}))
	// a second known object that IS accessed should be pruned away
	accessedObj := st.PutDirect(fid.FID{Seq: 70, Oid: 2}, store.Attr{Type: store.TypeRegular})
	require.NoError(t, s.ExecOIT(ctx, accessedObj, store.Attr{Type: store.TypeRegular}))
	s.MarkAccessed(70, 2)

	require.NoError(t, s.EnterDoubleScan(ctx))
	recs, err := s.OrphanIndex(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, known, recs[0].Orphan)
	assert.Equal(t, parentFID, recs[0].Parent)
	assert.Equal(t, 4, recs[0].Slot)
	assert.Equal(t, uint32(11), recs[0].UID)
	assert.Equal(t, uint32(22), recs[0].GID)
}

func TestLayoutMasterDrainsRegisteredSlaves(t *testing.T) {
	lc, sharedStore := newTestMaster(t, false)
	ctx := context.Background()

	reg := registry.New()
	trace, err := tracingfile.Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = trace.Close() })
	m := metrics.New(prometheus.NewRegistry())
	lm := lockmgr.NewLocal(0)
	slaveBase := NewBase("layout-slave-test", sharedStore, lm, reg, nil, trace, m, nil, Policy{}, true)
	slave := NewLayoutSlave(slaveBase, 5, nil)

	orphan := fid.FID{Seq: 80, Oid: 1}
	obj := sharedStore.PutDirect(orphan, store.Attr{Type: store.TypeRegular})
	require.NoError(t, slave.ExecOIT(ctx, obj, store.Attr{Type: store.TypeRegular}))
	require.NoError(t, slave.EnterDoubleScan(ctx))

	lc.AddSlave(slave)
	require.NoError(t, lc.EnterDoubleScan(ctx))

	lfDir, err := sharedStore.Locate(ctx, lostFoundDir)
	require.NoError(t, err)
	it, err := sharedStore.IndexIterInit(ctx, lfDir, 0)
	require.NoError(t, err)
	ent, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Contains(t, ent.Name, "N-")
}
