package controller

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdsc/lfsck/internal/lfsck/checker"
	"github.com/sdsc/lfsck/internal/lfsck/checkpoint"
	"github.com/sdsc/lfsck/internal/lfsck/fid"
	"github.com/sdsc/lfsck/internal/lfsck/lockmgr"
	"github.com/sdsc/lfsck/internal/lfsck/metrics"
	"github.com/sdsc/lfsck/internal/lfsck/peer"
	"github.com/sdsc/lfsck/internal/lfsck/registry"
	"github.com/sdsc/lfsck/internal/lfsck/store"
	"github.com/sdsc/lfsck/internal/lfsck/tracingfile"
)

func newTestController(t *testing.T) (*Controller, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore(fid.SeqNormalMin)
	st.PutDirect(fid.FID{Seq: fid.SeqDotLustre, Oid: 1}, store.Attr{Type: store.TypeDirectory})

	dir := t.TempDir()
	ckpt, err := checkpoint.Open(filepath.Join(dir, "ckpt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ckpt.Close() })

	layoutTrace, err := tracingfile.Open(filepath.Join(dir, "layout-trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = layoutTrace.Close() })

	nsTrace, err := tracingfile.Open(filepath.Join(dir, "ns-trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = nsTrace.Close() })

	c := New(Config{
		Store:          st,
		Registry:       registry.New(),
		LockMgr:        lockmgr.NewLocal(0),
		Checkpoints:    ckpt,
		LayoutTrace:    layoutTrace,
		NamespaceTrace: nsTrace,
		Metrics:        metrics.New(prometheus.NewRegistry()),
		OstIndex:       0,
	})
	return c, st
}

func TestControllerStartRunsAndStopCompletes(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	err := c.Start(ctx, StartParams{
		Components: ComponentLayout | ComponentNamespace,
		Policy:     checker.Policy{},
	})
	require.NoError(t, err)

	require.NoError(t, c.Stop(ctx, 1))

	rec, err := c.Query(checkerLayout)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusStopped, rec.Status)

	text, err := c.Dump(checkerNamespace)
	require.NoError(t, err)
	assert.Contains(t, text, "component=namespace")
}

func TestControllerRejectsDoubleStart(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, StartParams{Components: ComponentLayout}))
	err := c.Start(ctx, StartParams{Components: ComponentLayout})
	assert.Error(t, err)
	require.NoError(t, c.Stop(ctx, 1))
}

func TestControllerRejectsEmptyComponents(t *testing.T) {
	c, _ := newTestController(t)
	err := c.Start(context.Background(), StartParams{})
	assert.Error(t, err)
}

func TestControllerSpeed(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, StartParams{Components: ComponentNamespace, SpeedLimit: 10}))
	assert.Equal(t, 10, c.GetSpeed())
	c.SetSpeed(20)
	assert.Equal(t, 20, c.GetSpeed())
	require.NoError(t, c.Stop(ctx, 1))
}

func TestControllerAddDelTarget(t *testing.T) {
	c, _ := newTestController(t)
	assert.Equal(t, 0, c.reg.Count())
	c.AddTarget(5, true)
	assert.Equal(t, 1, c.reg.Count())
	c.DelTarget(5, true)
	assert.Equal(t, 0, c.reg.Count())
}

func TestControllerInNotifyRoutesToCoordinator(t *testing.T) {
	c, _ := newTestController(t)
	reply := c.InNotify(context.Background(), peer.Notification{
		Event:   peer.EventPhase1Done,
		Checker: checkerLayout,
		Origin:  0,
	})
	assert.Equal(t, 1, reply.Status)
}

func TestControllerInNotifyRejectsUnknownChecker(t *testing.T) {
	c, _ := newTestController(t)
	reply := c.InNotify(context.Background(), peer.Notification{
		Event:   peer.EventPhase1Done,
		Checker: "bogus",
	})
	assert.Equal(t, 0, reply.Status)
	assert.Error(t, reply.Err)
}
