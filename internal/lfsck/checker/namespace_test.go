package checker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
	"github.com/sdsc/lfsck/internal/lfsck/fld"
	"github.com/sdsc/lfsck/internal/lfsck/linkea"
	"github.com/sdsc/lfsck/internal/lfsck/lmv"
	"github.com/sdsc/lfsck/internal/lfsck/lockmgr"
	"github.com/sdsc/lfsck/internal/lfsck/metrics"
	"github.com/sdsc/lfsck/internal/lfsck/pipeline"
	"github.com/sdsc/lfsck/internal/lfsck/registry"
	"github.com/sdsc/lfsck/internal/lfsck/store"
	"github.com/sdsc/lfsck/internal/lfsck/tracingfile"
)

func newTestNamespace(t *testing.T, db *fld.DB, policy Policy) (*NamespaceChecker, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore(fid.SeqNormalMin)
	st.PutDirect(lostFoundDir, store.Attr{Type: store.TypeDirectory})

	reg := registry.New()
	trace, err := tracingfile.Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = trace.Close() })

	m := metrics.New(prometheus.NewRegistry())
	lm := lockmgr.NewLocal(0)

	var pipe *pipeline.Pipeline
	base := NewBase("namespace-test", st, lm, reg, pipe, trace, m, nil, policy, true)
	nc := NewNamespaceChecker(base, db)
	pipe = pipeline.New(1, 16, nc.Fetch)
	nc.pipe = pipe
	return nc, st
}

func TestNamespaceExecOITSkipsDirectoryWithoutLinkEA(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	dir := st.PutDirect(fid.FID{Seq: fid.SeqNormalMin, Oid: 1}, store.Attr{Type: store.TypeDirectory})
	require.NoError(t, nc.ExecOIT(ctx, dir, store.Attr{Type: store.TypeDirectory}))

	flags, err := nc.trace.Get(dir.FID())
	require.NoError(t, err)
	assert.Zero(t, flags)
}

func TestNamespaceExecOITFlagsMultiLinkRegularWithoutLinkEA(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	f := st.PutDirect(fid.FID{Seq: fid.SeqNormalMin, Oid: 2}, store.Attr{Type: store.TypeRegular, Nlink: 2})
	require.NoError(t, nc.ExecOIT(ctx, f, store.Attr{Type: store.TypeRegular, Nlink: 2}))

	has, err := nc.trace.Has(f.FID(), tracingfile.FlagCheckLinkEA)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestNamespaceExecOITDeletesCorruptedLinkEA(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	f := st.PutDirect(fid.FID{Seq: fid.SeqNormalMin, Oid: 3}, store.Attr{Type: store.TypeRegular})
	require.NoError(t, st.XattrSet(ctx, f, store.XattrLink, []byte{0xff, 0xff, 0xff, 0xff}, store.XattrCreate, nil))

	require.NoError(t, nc.ExecOIT(ctx, f, store.Attr{Type: store.TypeRegular}))

	has, err := nc.trace.Has(f.FID(), tracingfile.FlagCheckLinkEA)
	require.NoError(t, err)
	assert.True(t, has)

	buf := make([]byte, 16)
	_, err = st.XattrGet(ctx, f, store.XattrLink, buf)
	assert.ErrorIs(t, err, store.ErrNoData)
}

func TestNamespaceExecOITFlagsMultipleEntries(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	f := st.PutDirect(fid.FID{Seq: fid.SeqNormalMin, Oid: 4}, store.Attr{Type: store.TypeRegular})
	entries := []linkea.Entry{
		{Parent: fid.FID{Seq: fid.SeqNormalMin, Oid: 100}, Name: "a"},
		{Parent: fid.FID{Seq: fid.SeqNormalMin, Oid: 101}, Name: "b"},
	}
	require.NoError(t, st.XattrSet(ctx, f, store.XattrLink, linkea.Encode(entries), store.XattrCreate, nil))

	require.NoError(t, nc.ExecOIT(ctx, f, store.Attr{Type: store.TypeRegular}))

	has, err := nc.trace.Has(f.FID(), tracingfile.FlagCheckLinkEA)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestNamespaceExecOITFlagsInsaneParentAsCorruptedLinkEA(t *testing.T) {
	// linkea.Decode rejects an insane parent FID as a corrupted buffer
	// (see linkea.TestDecodeInsaneParent), so this case surfaces through
	// ExecOIT's decode-error branch rather than its post-decode sanity
	// check.
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	f := st.PutDirect(fid.FID{Seq: fid.SeqNormalMin, Oid: 5}, store.Attr{Type: store.TypeRegular})
	entries := []linkea.Entry{{Parent: fid.FID{Seq: fid.SeqDotLustre, Oid: 99}, Name: "x"}}
	require.NoError(t, st.XattrSet(ctx, f, store.XattrLink, linkea.Encode(entries), store.XattrCreate, nil))

	require.NoError(t, nc.ExecOIT(ctx, f, store.Attr{Type: store.TypeRegular}))

	has, err := nc.trace.Has(f.FID(), tracingfile.FlagCheckLinkEA)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestNamespaceExecOITFlagsRemoteParent(t *testing.T) {
	db := fld.New(0)
	db.Add(fld.Range{Start: fid.SeqNormalMin, End: fid.SeqNormalMin, MDTIndex: 0})
	db.Add(fld.Range{Start: fid.SeqNormalMin + 1, End: fid.SeqNormalMin + 1, MDTIndex: 1})

	nc, st := newTestNamespace(t, db, Policy{})
	ctx := context.Background()

	f := st.PutDirect(fid.FID{Seq: fid.SeqNormalMin, Oid: 6}, store.Attr{Type: store.TypeRegular})
	entries := []linkea.Entry{{Parent: fid.FID{Seq: fid.SeqNormalMin + 1, Oid: 1}, Name: "x"}}
	require.NoError(t, st.XattrSet(ctx, f, store.XattrLink, linkea.Encode(entries), store.XattrCreate, nil))

	require.NoError(t, nc.ExecOIT(ctx, f, store.Attr{Type: store.TypeRegular}))

	has, err := nc.trace.Has(f.FID(), tracingfile.FlagCheckLinkEA)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestNamespaceHandleP1CreatesMDTObjectForDanglingName(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{CreateMDTObj: true})
	ctx := context.Background()

	parentFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 10}
	st.PutDirect(parentFID, store.Attr{Type: store.TypeDirectory})
	childFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 11}

	req := NamespaceReq{Parent: parentFID, Name: "child", Child: childFID, Type: store.TypeRegular}
	require.NoError(t, nc.handleP1(ctx, req))

	child, err := st.Locate(ctx, childFID)
	require.NoError(t, err)
	attr, err := st.AttrGet(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), attr.Mode)

	buf := make([]byte, 256)
	n, err := st.XattrGet(ctx, child, store.XattrLink, buf)
	require.NoError(t, err)
	_, entries, err := linkea.Decode(buf[:n])
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, parentFID, entries[0].Parent)
	assert.Equal(t, "child", entries[0].Name)
}

func TestNamespaceHandleP1LeavesDanglingNameUnderDefaultPolicy(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	parentFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 12}
	st.PutDirect(parentFID, store.Attr{Type: store.TypeDirectory})
	childFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 13}

	req := NamespaceReq{Parent: parentFID, Name: "child", Child: childFID, Type: store.TypeRegular}
	require.NoError(t, nc.handleP1(ctx, req))

	_, err := st.Locate(ctx, childFID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNamespaceRepairMissingLinkEADropsStaleNameWhenUnlinked(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	parentFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 20}
	parent := st.PutDirect(parentFID, store.Attr{Type: store.TypeDirectory})
	childFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 21}
	st.PutDirect(childFID, store.Attr{Type: store.TypeRegular, Nlink: 0})
	require.NoError(t, st.Insert(ctx, parent, "stale", childFID, nil))

	req := NamespaceReq{Parent: parentFID, Name: "stale", Child: childFID, Type: store.TypeRegular}
	require.NoError(t, nc.handleP1(ctx, req))

	_, err := st.Lookup(ctx, parent, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNamespaceRepairMissingLinkEAInstallsWhenLinked(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	parentFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 22}
	parent := st.PutDirect(parentFID, store.Attr{Type: store.TypeDirectory})
	childFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 23}
	child := st.PutDirect(childFID, store.Attr{Type: store.TypeRegular, Nlink: 1})
	require.NoError(t, st.Insert(ctx, parent, "real", childFID, nil))

	req := NamespaceReq{Parent: parentFID, Name: "real", Child: childFID, Type: store.TypeRegular}
	require.NoError(t, nc.handleP1(ctx, req))

	buf := make([]byte, 256)
	n, err := st.XattrGet(ctx, child, store.XattrLink, buf)
	require.NoError(t, err)
	_, entries, err := linkea.Decode(buf[:n])
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "real", entries[0].Name)
}

func TestNamespaceHandleP1OKWhenLinkEAMatches(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	parentFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 24}
	st.PutDirect(parentFID, store.Attr{Type: store.TypeDirectory})
	childFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 25}
	child := st.PutDirect(childFID, store.Attr{Type: store.TypeRegular})
	entries := []linkea.Entry{{Parent: parentFID, Name: "ok"}}
	require.NoError(t, st.XattrSet(ctx, child, store.XattrLink, linkea.Encode(entries), store.XattrCreate, nil))

	req := NamespaceReq{Parent: parentFID, Name: "ok", Child: childFID, Type: store.TypeRegular}
	require.NoError(t, nc.handleP1(ctx, req))

	buf := make([]byte, 256)
	n, err := st.XattrGet(ctx, child, store.XattrLink, buf)
	require.NoError(t, err)
	_, got, err := linkea.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestNamespaceSynthesizesMasterLMVFromShard(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	parentFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 30}
	parent := st.PutDirect(parentFID, store.Attr{Type: store.TypeDirectory})
	shardFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 31}
	shard := st.PutDirect(shardFID, store.Attr{Type: store.TypeDirectory})

	shardLMV := lmv.LMV{Magic: lmv.MagicStripe, StripeCount: 2, MasterMdtIndex: 0, HashType: lmv.PackHashType(lmv.HashFNV1a64, 0)}
	require.NoError(t, st.XattrSet(ctx, shard, store.XattrLMV, lmv.Encode(shardLMV), store.XattrCreate, nil))

	shardName := parentFID.String() + ":1"
	require.NoError(t, nc.checkStripedShard(ctx, parent, shard, shardName))

	buf := make([]byte, 512)
	n, err := st.XattrGet(ctx, parent, store.XattrLMV, buf)
	require.NoError(t, err)
	master, err := lmv.Decode(buf[:n])
	require.NoError(t, err)
	assert.True(t, master.IsMaster())
	assert.Equal(t, uint32(2), master.StripeCount)
	require.Len(t, master.StripeFids, 2)
	assert.Equal(t, shardFID, master.StripeFids[1])
}

func TestNamespaceFlagsIncompatibleShard(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	parentFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 32}
	parent := st.PutDirect(parentFID, store.Attr{Type: store.TypeDirectory})
	masterLMV := lmv.LMV{Magic: lmv.MagicMaster, StripeCount: 4, MasterMdtIndex: 0, HashType: lmv.PackHashType(lmv.HashFNV1a64, 0)}
	require.NoError(t, st.XattrSet(ctx, parent, store.XattrLMV, lmv.Encode(masterLMV), store.XattrCreate, nil))

	shardFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 33}
	shard := st.PutDirect(shardFID, store.Attr{Type: store.TypeDirectory})
	shardLMV := lmv.LMV{Magic: lmv.MagicStripe, StripeCount: 2, MasterMdtIndex: 0, HashType: lmv.PackHashType(lmv.HashFNV1a64, 0)}
	require.NoError(t, st.XattrSet(ctx, shard, store.XattrLMV, lmv.Encode(shardLMV), store.XattrCreate, nil))

	shardName := parentFID.String() + ":1"
	require.NoError(t, nc.checkStripedShard(ctx, parent, shard, shardName))

	has, err := nc.trace.Has(parentFID, tracingfile.FlagUncertainLMV)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestNamespaceDSDMovesOrphanDirectoryToLostFound(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	dirFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 40}
	st.PutDirect(dirFID, store.Attr{Type: store.TypeDirectory})

	require.NoError(t, nc.trace.SetFlag(dirFID, tracingfile.FlagRecheckNamehash))
	require.NoError(t, nc.EnterDoubleScan(ctx))

	lfDir, err := st.Locate(ctx, lostFoundDir)
	require.NoError(t, err)
	it, err := st.IndexIterInit(ctx, lfDir, 0)
	require.NoError(t, err)
	ent, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Contains(t, ent.Name, "-D-")
}

func TestNamespaceDSDPicksAuthoritativeEntryAmongMultiple(t *testing.T) {
	nc, st := newTestNamespace(t, nil, Policy{})
	ctx := context.Background()

	realParentFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 50}
	realParent := st.PutDirect(realParentFID, store.Attr{Type: store.TypeDirectory})
	staleParentFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 51}
	st.PutDirect(staleParentFID, store.Attr{Type: store.TypeDirectory})

	dirFID := fid.FID{Seq: fid.SeqNormalMin, Oid: 52}
	dir := st.PutDirect(dirFID, store.Attr{Type: store.TypeDirectory})
	require.NoError(t, st.Insert(ctx, realParent, "realname", dirFID, nil))
	require.NoError(t, st.Insert(ctx, dir, "..", staleParentFID, nil))

	entries := []linkea.Entry{
		{Parent: staleParentFID, Name: "stalename"},
		{Parent: realParentFID, Name: "realname"},
	}
	require.NoError(t, st.XattrSet(ctx, dir, store.XattrLink, linkea.Encode(entries), store.XattrCreate, nil))

	require.NoError(t, nc.trace.SetFlag(dirFID, tracingfile.FlagUncertainLMV))
	require.NoError(t, nc.EnterDoubleScan(ctx))

	got, err := st.Lookup(ctx, dir, "..")
	require.NoError(t, err)
	assert.Equal(t, realParentFID, got)

	buf := make([]byte, 256)
	n, err := st.XattrGet(ctx, dir, store.XattrLink, buf)
	require.NoError(t, err)
	_, kept, err := linkea.Decode(buf[:n])
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "realname", kept[0].Name)
}
