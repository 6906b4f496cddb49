package lmv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

func TestPackUnpackHashType(t *testing.T) {
	packed := PackHashType(HashFNV1a64, FlagMigration|FlagDead)
	typ, flags := UnpackHashType(packed)
	assert.Equal(t, HashFNV1a64, typ)
	assert.Equal(t, FlagMigration|FlagDead, flags)
}

func TestCompatibleWith(t *testing.T) {
	master := LMV{
		Magic:          MagicMaster,
		StripeCount:    4,
		MasterMdtIndex: 0,
		HashType:       PackHashType(HashFNV1a64, 0),
	}
	shard := LMV{
		Magic:          MagicStripe,
		StripeCount:    4,
		MasterMdtIndex: 0,
		HashType:       PackHashType(HashFNV1a64, FlagMigration),
	}
	assert.True(t, shard.CompatibleWith(master))

	mismatch := shard
	mismatch.StripeCount = 5
	assert.False(t, mismatch.CompatibleWith(master))
}

func TestSynthesizeMaster(t *testing.T) {
	shard := LMV{StripeCount: 2, MasterMdtIndex: 3, HashType: PackHashType(HashAllChars, 0)}
	master := SynthesizeMaster(shard, nil)
	assert.True(t, master.IsMaster())
	assert.Equal(t, shard.StripeCount, master.StripeCount)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	l := LMV{
		Magic:          MagicMaster,
		StripeCount:    3,
		MasterMdtIndex: 1,
		HashType:       PackHashType(HashFNV1a64, FlagMigration),
		LayoutVersion:  2,
		PoolName:       "pool0",
		StripeFids: []fid.FID{
			{Seq: 10, Oid: 1},
			{Seq: 10, Oid: 2},
			{Seq: 10, Oid: 3},
		},
	}
	got, err := Decode(Encode(l))
	require.NoError(t, err)
	assert.Equal(t, l, got)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorrupted)
}
