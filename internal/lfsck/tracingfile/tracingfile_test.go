package tracingfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

func openTestFile(t *testing.T) *File {
	t.Helper()
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "tracing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestSetGetRoundTrip(t *testing.T) {
	f := openTestFile(t)
	id := fid.FID{Seq: 0x200000400, Oid: 1, Ver: 0}

	flag, err := f.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Flag(0), flag)

	require.NoError(t, f.Set(id, FlagCheckLinkEA|FlagCheckParent))
	flag, err = f.Get(id)
	require.NoError(t, err)
	assert.Equal(t, FlagCheckLinkEA|FlagCheckParent, flag)
}

func TestZeroFlagDeletesRecord(t *testing.T) {
	f := openTestFile(t)
	id := fid.FID{Seq: 1, Oid: 1}
	require.NoError(t, f.Set(id, FlagCheckParent))
	n, err := f.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.Set(id, 0))
	n, err = f.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSetFlagAndClearFlag(t *testing.T) {
	f := openTestFile(t)
	id := fid.FID{Seq: 1, Oid: 2}

	require.NoError(t, f.SetFlag(id, FlagCheckLinkEA))
	require.NoError(t, f.SetFlag(id, FlagCheckParent))
	has, err := f.Has(id, FlagCheckLinkEA|FlagCheckParent)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, f.ClearFlag(id, FlagCheckLinkEA))
	has, err = f.Has(id, FlagCheckLinkEA)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = f.Has(id, FlagCheckParent)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestReset(t *testing.T) {
	f := openTestFile(t)
	require.NoError(t, f.Set(fid.FID{Seq: 1, Oid: 1}, FlagCheckLinkEA))
	require.NoError(t, f.Set(fid.FID{Seq: 1, Oid: 2}, FlagCheckLinkEA))

	n, err := f.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, f.Reset())
	n, err = f.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
