package lovea

import (
	"encoding/binary"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

// FilterFid is the back-pointer xattr stored on an OST object (§3.2).
// ParentFid.Ver is repurposed to carry the stripe index of this object
// within the parent's layout.
type FilterFid struct {
	ParentFid fid.FID
}

// SlotIndex returns the stripe index this object claims to occupy,
// carried in ParentFid.Ver.
func (f FilterFid) SlotIndex() uint32 {
	return f.ParentFid.Ver
}

// Parent returns the claimed parent FID with Ver masked to zero, since
// Ver there is a slot index, not a FID version.
func (f FilterFid) Parent() fid.FID {
	return fid.FID{Seq: f.ParentFid.Seq, Oid: f.ParentFid.Oid}
}

// NewFilterFid packs a parent FID and slot index into a FilterFid.
func NewFilterFid(parent fid.FID, slot uint32) FilterFid {
	return FilterFid{ParentFid: fid.FID{Seq: parent.Seq, Oid: parent.Oid, Ver: slot}}
}

// SizeOf is the fixed encoded size of the ff xattr, used by layout
// checker's "size != sizeof(ff)" unmatched-pair detection (§4.5 step 3).
const SizeOf = 16

// Encode serializes f to its on-disk ff xattr representation, host
// order little-endian (§4.9 "host -> little-endian"): seq(8) + oid(4)
// + ver(4), the latter carrying the slot index per SlotIndex.
func (f FilterFid) Encode() []byte {
	buf := make([]byte, SizeOf)
	binary.LittleEndian.PutUint64(buf[0:], f.ParentFid.Seq)
	binary.LittleEndian.PutUint32(buf[8:], f.ParentFid.Oid)
	binary.LittleEndian.PutUint32(buf[12:], f.ParentFid.Ver)
	return buf
}

// DecodeFilterFid parses buf into a FilterFid. A buffer whose length
// isn't SizeOf is the "size != sizeof(ff)" case callers detect
// themselves before calling this (§4.5 step 3); DecodeFilterFid itself
// just zero-pads or truncates defensively rather than erroring, since
// the caller has already classified the record as ClassUnmatchedPair.
func DecodeFilterFid(buf []byte) FilterFid {
	var b [SizeOf]byte
	copy(b[:], buf)
	return FilterFid{ParentFid: fid.FID{
		Seq: binary.LittleEndian.Uint64(b[0:]),
		Oid: binary.LittleEndian.Uint32(b[8:]),
		Ver: binary.LittleEndian.Uint32(b[12:]),
	}}
}
