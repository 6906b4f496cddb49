// Package lmv implements the striped-directory (LMV) xattr codec and
// the hash-type bit layout described in §3.2.
package lmv

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

// Magic values distinguishing a master shard's LMV from a stripe
// shard's LMV.
const (
	MagicMaster = uint32(0x0cd20cd0)
	MagicStripe = uint32(0x0cd40cd0)
)

// HashType identifies the directory-entry hash function, carried in
// the low 16 bits of the on-disk hash_type field.
type HashType uint16

// Supported hash functions.
const (
	HashAllChars HashType = iota
	HashFNV1a64
	HashUnknown
)

// HashFlag bits carried in the high 16 bits of the on-disk hash_type
// field.
type HashFlag uint16

// Flags.
const (
	FlagMigration HashFlag = 1 << iota
	FlagBadType
	FlagLostLMV
	FlagDead
)

// PackHashType combines a HashType and flags into the on-disk 32-bit
// field (low 16 bits type, high 16 bits flags).
func PackHashType(t HashType, flags HashFlag) uint32 {
	return uint32(t) | uint32(flags)<<16
}

// UnpackHashType splits a packed 32-bit hash_type field.
func UnpackHashType(v uint32) (HashType, HashFlag) {
	return HashType(v & 0xffff), HashFlag(v >> 16)
}

// LMV is the decoded striped-directory xattr, valid both as a master
// record (on the directory's primary shard) and a stripe record (on a
// secondary shard).
type LMV struct {
	Magic          uint32
	StripeCount    uint32
	MasterMdtIndex uint32
	HashType       uint32 // packed type + flags, see PackHashType
	LayoutVersion  uint32
	PoolName       string
	StripeFids     []fid.FID // only populated on the master record
}

// IsMaster reports whether l is a master-shard record.
func (l LMV) IsMaster() bool { return l.Magic == MagicMaster }

// CompatibleWith reports whether a stripe shard's LMV carries the stripe
// magic and agrees with the directory's master LMV on stripe count,
// hash-type (low 16 bits only — flags may legitimately differ across
// shards) and master index (§4.8 "striped-directory handling in
// phase-1").
func (stripeLMV LMV) CompatibleWith(master LMV) bool {
	if stripeLMV.Magic != MagicStripe {
		return false
	}
	if stripeLMV.StripeCount != master.StripeCount {
		return false
	}
	if stripeLMV.MasterMdtIndex != master.MasterMdtIndex {
		return false
	}
	st, _ := UnpackHashType(stripeLMV.HashType)
	mt, _ := UnpackHashType(master.HashType)
	return st == mt
}

// SynthesizeMaster builds a master LMV record from the first valid
// shard's fields, used when a striped directory's master-LMV is absent
// but its children all carry matching slave-LMVs (§4.8).
func SynthesizeMaster(shard LMV, stripeFids []fid.FID) LMV {
	return LMV{
		Magic:          MagicMaster,
		StripeCount:    shard.StripeCount,
		MasterMdtIndex: shard.MasterMdtIndex,
		HashType:       shard.HashType,
		LayoutVersion:  shard.LayoutVersion,
		PoolName:       shard.PoolName,
		StripeFids:     stripeFids,
	}
}

// headerEncodedSize is the fixed portion preceding an optional pool name
// and stripe FID array: magic(4) + stripe_count(4) + master_mdt_index(4)
// + hash_type(4) + layout_version(4) + pool_name_len(2) + stripe_fid_count(2).
const headerEncodedSize = 24

const fidEncodedSize = 16

// Encode serializes l to its on-disk byte representation, host order
// little-endian, mirroring lovea's codec convention.
func Encode(l LMV) []byte {
	poolName := []byte(l.PoolName)
	buf := make([]byte, headerEncodedSize+len(poolName)+len(l.StripeFids)*fidEncodedSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], l.Magic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], l.StripeCount)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], l.MasterMdtIndex)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], l.HashType)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], l.LayoutVersion)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(poolName)))
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(l.StripeFids)))
	off += 2
	off += copy(buf[off:], poolName)
	for _, f := range l.StripeFids {
		binary.LittleEndian.PutUint64(buf[off:], f.Seq)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], f.Oid)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], f.Ver)
		off += 4
	}
	return buf
}

// ErrCorrupted is returned by Decode when buf fails header or length
// validation.
var ErrCorrupted = errors.New("lmv: corrupted buffer")

// Decode parses buf into an LMV record.
func Decode(buf []byte) (LMV, error) {
	if len(buf) < headerEncodedSize {
		return LMV{}, errors.Wrap(ErrCorrupted, "short header")
	}
	var l LMV
	off := 0
	l.Magic = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	l.StripeCount = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	l.MasterMdtIndex = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	l.HashType = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	l.LayoutVersion = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	poolLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	fidCount := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+poolLen+fidCount*fidEncodedSize {
		return LMV{}, errors.Wrap(ErrCorrupted, "truncated body")
	}
	if poolLen > 0 {
		l.PoolName = string(buf[off : off+poolLen])
		off += poolLen
	}
	if fidCount > 0 {
		l.StripeFids = make([]fid.FID, fidCount)
		for i := range l.StripeFids {
			l.StripeFids[i].Seq = binary.LittleEndian.Uint64(buf[off:])
			off += 8
			l.StripeFids[i].Oid = binary.LittleEndian.Uint32(buf[off:])
			off += 4
			l.StripeFids[i].Ver = binary.LittleEndian.Uint32(buf[off:])
			off += 4
		}
	}
	return l, nil
}
