// Package fid implements the FID and OstId identifiers described in the
// LFSCK data model: a 128-bit (seq, oid, ver) object identifier with a
// handful of reserved sequence ranges carrying legacy meaning.
package fid

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Reserved and special sequence ranges (§3.1).
const (
	SeqOstMdt0    = uint64(0)
	SeqIgifMin    = uint64(12)
	SeqIgifMax    = uint64(1)<<32 - 1
	SeqIdifMin    = uint64(1) << 32
	SeqIdifMax    = uint64(1)<<33 - 1
	SeqNormalMin  = uint64(1)<<33 + 1024
	SeqLocalFile  = uint64(0x200000001)
	SeqDotLustre  = uint64(0x200000002)
	SeqLastIDMark = uint64(0x200000004)
)

// FID is the immutable 128-bit object identifier used everywhere in the
// core: (seq, oid, ver). Equality and ordering are lexicographic over
// the three fields.
type FID struct {
	Seq uint64
	Oid uint32
	Ver uint32
}

// Zero is the all-zero FID, used as a sentinel "no parent" value.
var Zero = FID{}

// IsZero reports whether f is the all-zero sentinel.
func (f FID) IsZero() bool {
	return f == Zero
}

// Compare returns -1, 0 or 1 the way bytes.Compare does, ordering first
// by Seq, then Oid, then Ver.
func (f FID) Compare(o FID) int {
	if f.Seq != o.Seq {
		if f.Seq < o.Seq {
			return -1
		}
		return 1
	}
	if f.Oid != o.Oid {
		if f.Oid < o.Oid {
			return -1
		}
		return 1
	}
	if f.Ver != o.Ver {
		if f.Ver < o.Ver {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether f sorts before o.
func (f FID) Less(o FID) bool { return f.Compare(o) < 0 }

// String renders a FID in the conventional "[seq:oid:ver]" form.
func (f FID) String() string {
	return fmt.Sprintf("[%#x:%#x:%#x]", f.Seq, f.Oid, f.Ver)
}

// SeqClass classifies a FID's sequence number.
type SeqClass int

// Sequence classes.
const (
	ClassOstMdt0 SeqClass = iota
	ClassIgif
	ClassIdif
	ClassLocal
	ClassNormal
	ClassUnknown
)

// Class classifies f's Seq field per §3.1. An IDIF FID packs a legacy
// OST index into Seq bits [16..32).
func (f FID) Class() SeqClass {
	switch {
	case f.Seq == SeqOstMdt0:
		return ClassOstMdt0
	case f.Seq >= SeqIgifMin && f.Seq <= SeqIgifMax:
		return ClassIgif
	case f.Seq >= SeqIdifMin && f.Seq <= SeqIdifMax:
		return ClassIdif
	case f.Seq >= SeqNormalMin:
		return ClassNormal
	case f.Seq == SeqLocalFile || f.Seq == SeqDotLustre || f.Seq == SeqLastIDMark:
		return ClassLocal
	default:
		return ClassUnknown
	}
}

// IsSane reports whether f could plausibly be a valid, non-reserved
// object reference: a non-zero FID whose sequence isn't in the local
// reserved range is considered sane; callers needing stricter checks
// (e.g. "is this a directory") must inspect the object itself.
func (f FID) IsSane() bool {
	if f.IsZero() {
		return false
	}
	return f.Class() != ClassLocal
}

// IdifOstIndex extracts the legacy OST index packed into bits [16..32)
// of Seq for an IDIF FID. Only meaningful when Class() == ClassIdif.
func (f FID) IdifOstIndex() uint16 {
	return uint16((f.Seq >> 16) & 0xffff)
}

// OstId is the over-the-wire object identifier, with two
// representations: a legacy (id, seq) pair, and a modern embedded FID.
type OstId struct {
	Legacy bool
	ID     uint64 // legacy representation
	Seq    uint64 // legacy representation, normally 0
	Modern FID    // modern representation
}

// ToFID converts an OstId to the FID space used internally, given the
// OST index it was read from. Legacy (id, seq=0) pairs map into IDIF
// space; modern ids pass through unchanged.
func (o OstId) ToFID(ostIdx uint16) FID {
	if !o.Legacy {
		return o.Modern
	}
	return FID{
		Seq: SeqIdifMin | (uint64(ostIdx) << 16),
		Oid: uint32(o.ID),
		Ver: 0,
	}
}

// FromFID is the inverse of ToFID: it recovers an OstId and the OST
// index from a FID produced by ToFID. Round-trips for every sane FID
// and consistent ostIdx (§8 property 6).
func FromFID(f FID) (o OstId, ostIdx uint16) {
	if f.Class() != ClassIdif {
		return OstId{Legacy: false, Modern: f}, 0
	}
	ostIdx = f.IdifOstIndex()
	o = OstId{Legacy: true, ID: uint64(f.Oid), Seq: 0}
	return o, ostIdx
}

// ResId names a lock resource derived from a FID plus a lock kind.
type ResId struct {
	Seq  uint64
	Oid  uint32
	Ver  uint32
	Kind uint32
}

// ResIdFromFID builds the lock resource name for f under the given
// lock kind (one of the LockMgr bit kinds).
func ResIdFromFID(f FID, kind uint32) ResId {
	return ResId{Seq: f.Seq, Oid: f.Oid, Ver: f.Ver, Kind: kind}
}

// NameMax is the maximum length, in bytes, of a directory entry Name.
const NameMax = 255

// Name is a length-prefixed byte string read from an on-disk directory
// entry; String trims trailing NULs, and NewName rejects names longer
// than NameMax.
type Name struct {
	Bytes []byte
}

// String returns the name as a Go string, trimming any trailing NUL.
func (n Name) String() string {
	return string(bytes.TrimRight(n.Bytes, "\x00"))
}

// NewName builds a Name from a string, enforcing NameMax.
func NewName(s string) (Name, error) {
	if len(s) > NameMax {
		return Name{}, fmt.Errorf("fid: name %q exceeds NAME_MAX(%d)", s, NameMax)
	}
	return Name{Bytes: []byte(s)}, nil
}

// BigEndianKey encodes f as a 16-byte big-endian key, the canonical
// encoding used by the tracing file so that iteration order is
// consistent across MDTs regardless of host endianness (§9 design
// notes: "preserve the BE encoding even if the host prefers LE").
func (f FID) BigEndianKey() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], f.Seq)
	binary.BigEndian.PutUint32(buf[8:12], f.Oid)
	binary.BigEndian.PutUint32(buf[12:16], f.Ver)
	return buf
}

// FromBigEndianKey decodes a key produced by BigEndianKey.
func FromBigEndianKey(buf []byte) (FID, error) {
	if len(buf) != 16 {
		return FID{}, fmt.Errorf("fid: bad big-endian key length %d", len(buf))
	}
	return FID{
		Seq: binary.BigEndian.Uint64(buf[0:8]),
		Oid: binary.BigEndian.Uint32(buf[8:12]),
		Ver: binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}
