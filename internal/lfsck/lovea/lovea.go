// Package lovea implements the lov/LMM layout xattr codec: the striping
// metadata stored on an MDT inode that names the OST objects backing a
// regular file (§3.2).
package lovea

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

// Magic values for the lov xattr header.
const (
	MagicV1 = uint32(0x0bd10bd0)
	MagicV3 = uint32(0x0bd30bd0)
)

// Pattern is the striping pattern; the core only supports RAID0.
type Pattern uint32

// Supported patterns.
const (
	PatternRAID0 Pattern = 1
)

// ErrUnsupportedPattern is returned by Validate for any pattern other
// than RAID0 (§4.5 step 4: "other patterns return not-supported").
var ErrUnsupportedPattern = errors.New("lovea: unsupported striping pattern")

// ErrBadMagic is returned for a header whose magic isn't V1 or V3.
var ErrBadMagic = errors.New("lovea: bad magic")

// Stripe is one entry in the layout's stripe array. A stripe whose
// OstOid/OstSeq/OstIdx/OstGen are all zero is a dummy slot reserved for
// a later LFSCK write (§3.2).
type Stripe struct {
	OstOid uint64
	OstSeq uint64
	OstIdx uint16
	OstGen uint16
}

// IsDummy reports whether s is an unoccupied placeholder slot.
func (s Stripe) IsDummy() bool {
	return s.OstOid == 0 && s.OstSeq == 0 && s.OstIdx == 0 && s.OstGen == 0
}

// Layout is the decoded lov xattr.
type Layout struct {
	Magic       uint32
	Pattern     Pattern
	LmmOi       fid.FID // self-identification, compared against the inode's own FID
	StripeSize  uint32
	StripeCount uint16
	LayoutGen   uint16
	PoolName    string // only present when Magic == MagicV3
	Stripes     []Stripe
}

// MaxStripeCountV3 is the type limit exercised by the buffer-growth
// path (§8 boundary behaviors).
const MaxStripeCountV3 = 2000

// Validate checks the structural invariants of a decoded layout that
// exec_oit enforces before interpreting stripes (§4.5 step 4).
func (l Layout) Validate() error {
	if l.Magic != MagicV1 && l.Magic != MagicV3 {
		return ErrBadMagic
	}
	if l.Pattern != PatternRAID0 {
		return ErrUnsupportedPattern
	}
	if l.Magic == MagicV3 && int(l.StripeCount) > MaxStripeCountV3 {
		return errors.Errorf("lovea: stripe_count %d exceeds V3 limit %d", l.StripeCount, MaxStripeCountV3)
	}
	return nil
}

// OiMatches reports whether the layout's self-identifying lmm_oi field
// agrees with the inode's own FID (§4.5 step 5).
func (l Layout) OiMatches(inode fid.FID) bool {
	return l.LmmOi == inode
}

// stripeEncodedSize is the fixed on-disk size of one Stripe entry:
// ost_oid(8) + ost_seq(8) + ost_idx(2) + ost_gen(2).
const stripeEncodedSize = 20

// headerEncodedSize is the fixed portion preceding an optional pool
// name and the stripe array: magic(4) + pattern(4) + lmm_oi seq(8) +
// lmm_oi oid(4) + lmm_oi ver(4) + stripe_size(4) + stripe_count(2) +
// layout_gen(2) + pool_name_len(2).
const headerEncodedSize = 34

// Encode serializes l to its on-disk byte representation, host order
// little-endian (§4.9 "host -> little-endian").
func Encode(l Layout) ([]byte, error) {
	if err := l.Validate(); err != nil && !errors.Is(err, ErrUnsupportedPattern) {
		return nil, err
	}
	poolName := []byte(l.PoolName)
	if l.Magic != MagicV3 {
		poolName = nil
	}
	buf := make([]byte, headerEncodedSize+len(poolName)+len(l.Stripes)*stripeEncodedSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], l.Magic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(l.Pattern))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], l.LmmOi.Seq)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], l.LmmOi.Oid)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], l.LmmOi.Ver)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], l.StripeSize)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(l.Stripes)))
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], l.LayoutGen)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(poolName)))
	off += 2
	off += copy(buf[off:], poolName)
	for _, s := range l.Stripes {
		binary.LittleEndian.PutUint64(buf[off:], s.OstOid)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], s.OstSeq)
		off += 8
		binary.LittleEndian.PutUint16(buf[off:], s.OstIdx)
		off += 2
		binary.LittleEndian.PutUint16(buf[off:], s.OstGen)
		off += 2
	}
	return buf, nil
}

// Decode parses buf into a Layout and runs Validate on the result
// (§4.5 step 4).
func Decode(buf []byte) (Layout, error) {
	if len(buf) < headerEncodedSize {
		return Layout{}, errors.New("lovea: buffer too small for header")
	}
	var l Layout
	off := 0
	l.Magic = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	l.Pattern = Pattern(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	l.LmmOi.Seq = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	l.LmmOi.Oid = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	l.LmmOi.Ver = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	l.StripeSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	stripeCount := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	l.LayoutGen = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	poolLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+poolLen+int(stripeCount)*stripeEncodedSize {
		return Layout{}, errors.New("lovea: buffer too small for stripes")
	}
	if poolLen > 0 {
		l.PoolName = string(buf[off : off+poolLen])
		off += poolLen
	}
	l.Stripes = make([]Stripe, stripeCount)
	l.StripeCount = stripeCount
	for i := range l.Stripes {
		l.Stripes[i].OstOid = binary.LittleEndian.Uint64(buf[off:])
		off += 8
		l.Stripes[i].OstSeq = binary.LittleEndian.Uint64(buf[off:])
		off += 8
		l.Stripes[i].OstIdx = binary.LittleEndian.Uint16(buf[off:])
		off += 2
		l.Stripes[i].OstGen = binary.LittleEndian.Uint16(buf[off:])
		off += 2
	}
	if err := l.Validate(); err != nil {
		return l, err
	}
	return l, nil
}

// WithExtendedStripes returns a copy of l whose Stripes slice has been
// grown with dummy entries so that index idx is addressable, the way
// recreate_lovea extends a layout up to slot_idx (§4.5 phase-2).
func (l Layout) WithExtendedStripes(idx int) Layout {
	if idx < len(l.Stripes) {
		return l
	}
	out := l
	out.Stripes = append([]Stripe{}, l.Stripes...)
	for len(out.Stripes) <= idx {
		out.Stripes = append(out.Stripes, Stripe{})
	}
	out.StripeCount = uint16(len(out.Stripes))
	return out
}
