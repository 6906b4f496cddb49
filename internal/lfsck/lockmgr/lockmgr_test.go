package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

func TestExclusiveExcludesWriters(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(50 * time.Millisecond)
	res := fid.ResId{Seq: 1, Oid: 1, Kind: uint32(Layout)}

	h, err := l.Enqueue(ctx, res, Layout, EX)
	require.NoError(t, err)

	_, err = l.Enqueue(ctx, res, Layout, EX)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, l.Decref(ctx, h))
	_, err = l.Enqueue(ctx, res, Layout, EX)
	assert.NoError(t, err)
}

func TestReadModesDoNotBlock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(10 * time.Millisecond)
	res := fid.ResId{Seq: 1, Oid: 2}
	_, err := l.Enqueue(ctx, res, Lookup, CR)
	require.NoError(t, err)
	_, err = l.Enqueue(ctx, res, Lookup, PR)
	require.NoError(t, err)
}

func TestCancelledContext(t *testing.T) {
	l := NewLocal(time.Second)
	res := fid.ResId{Seq: 1, Oid: 3}
	ctx, cancel := context.WithCancel(context.Background())
	_, err := l.Enqueue(ctx, res, Layout, EX)
	require.NoError(t, err)
	cancel()
	_, err = l.Enqueue(ctx, res, Layout, EX)
	assert.Error(t, err)
}
