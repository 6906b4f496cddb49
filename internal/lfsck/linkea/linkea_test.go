package linkea

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := []Entry{
		{Parent: fid.FID{Seq: 0x200000400, Oid: 1, Ver: 0}, Name: "a"},
		{Parent: fid.FID{Seq: 0x200000400, Oid: 2, Ver: 0}, Name: "bb"},
	}
	buf := Encode(entries)
	h, got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, Magic, h.Magic)
	assert.Equal(t, uint32(2), h.RecCount)
	assert.Equal(t, entries, got)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	// §8 property 7: add then remove the same pair restores the buffer.
	base := []Entry{{Parent: fid.FID{Seq: 1, Oid: 1}, Name: "x"}}
	before := Encode(base)

	parent := fid.FID{Seq: 7, Oid: 9}
	added := Add(base, parent, "y")
	removed := Remove(added, parent, "y")
	after := Encode(removed)

	assert.Equal(t, before, after)
}

func TestDecodeCorrupted(t *testing.T) {
	_, _, err := Decode([]byte{0, 1, 2})
	assert.ErrorIs(t, err, ErrCorrupted)

	buf := Encode(nil)
	buf[0] = 0xff // corrupt magic
	_, _, err = Decode(buf)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestDecodeInsaneParent(t *testing.T) {
	entries := []Entry{{Parent: fid.FID{Seq: fid.SeqLocalFile, Oid: 1}, Name: "z"}}
	buf := Encode(entries)
	_, _, err := Decode(buf)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestContains(t *testing.T) {
	p := fid.FID{Seq: 1, Oid: 1}
	entries := []Entry{{Parent: p, Name: "a"}}
	assert.True(t, Contains(entries, p, "a"))
	assert.False(t, Contains(entries, p, "b"))
}
