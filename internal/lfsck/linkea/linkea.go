// Package linkea implements the linkEA xattr codec: a packed array of
// (parent FID, name) records recording every directory entry through
// which an object is reachable (§3.2).
package linkea

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

// Magic identifies a well-formed linkEA buffer.
const Magic = uint32(0x1100cc1)

const headerLen = 4 + 4 + 4 // magic, reccount, total_len
const entryHeaderLen = 2    // reclen (u16 BE, unaligned)
const fidLen = 16

// ErrCorrupted is returned when a buffer fails header or entry
// validation (maps to the source's EINVAL path in namespace exec_oit).
var ErrCorrupted = errors.New("linkea: corrupted buffer")

// Entry is a single (parent, name) record.
type Entry struct {
	Parent fid.FID
	Name   string
}

// Header mirrors the on-disk leh_* fields exposed to callers that need
// to distinguish "zero entries" from "no xattr at all".
type Header struct {
	Magic    uint32
	RecCount uint32
	TotalLen uint32
}

// Decode parses a linkEA buffer into its header and entries. Every
// entry's reclen must be >= entryHeaderLen+1+fidLen and its parent FID
// must pass fid.FID.IsSane, otherwise ErrCorrupted is returned (§3.2
// invariants).
func Decode(buf []byte) (Header, []Entry, error) {
	if len(buf) < headerLen {
		return Header{}, nil, errors.Wrap(ErrCorrupted, "short header")
	}
	h := Header{
		Magic:    binary.BigEndian.Uint32(buf[0:4]),
		RecCount: binary.BigEndian.Uint32(buf[4:8]),
		TotalLen: binary.BigEndian.Uint32(buf[8:12]),
	}
	if h.Magic != Magic {
		return Header{}, nil, errors.Wrap(ErrCorrupted, "bad magic")
	}
	entries := make([]Entry, 0, h.RecCount)
	off := headerLen
	for i := uint32(0); i < h.RecCount; i++ {
		if off+entryHeaderLen > len(buf) {
			return Header{}, nil, errors.Wrap(ErrCorrupted, "truncated entry header")
		}
		reclen := int(binary.BigEndian.Uint16(buf[off : off+entryHeaderLen]))
		if reclen < entryHeaderLen+1+fidLen {
			return Header{}, nil, errors.Wrap(ErrCorrupted, "reclen too small")
		}
		if off+reclen > len(buf) {
			return Header{}, nil, errors.Wrap(ErrCorrupted, "truncated entry body")
		}
		body := buf[off+entryHeaderLen : off+reclen]
		if len(body) < fidLen+1 {
			return Header{}, nil, errors.Wrap(ErrCorrupted, "entry body too small")
		}
		pf, err := fid.FromBigEndianKey(body[:fidLen])
		if err != nil {
			return Header{}, nil, errors.Wrap(ErrCorrupted, "bad parent fid")
		}
		if !pf.IsSane() {
			return Header{}, nil, errors.Wrap(ErrCorrupted, "insane parent fid")
		}
		name := string(body[fidLen:])
		entries = append(entries, Entry{Parent: pf, Name: name})
		off += reclen
	}
	return h, entries, nil
}

// Encode serializes entries into a linkEA buffer. Round-trips with
// Decode (§8 property 7: adding then removing the same entry restores
// the original buffer byte-for-byte, modulo reclen padding which Encode
// always emits minimally).
func Encode(entries []Entry) []byte {
	total := headerLen
	recs := make([][]byte, len(entries))
	for i, e := range entries {
		body := append(append([]byte{}, e.Parent.BigEndianKey()...), []byte(e.Name)...)
		reclen := entryHeaderLen + len(body)
		rec := make([]byte, reclen)
		binary.BigEndian.PutUint16(rec[0:entryHeaderLen], uint16(reclen))
		copy(rec[entryHeaderLen:], body)
		recs[i] = rec
		total += reclen
	}
	buf := make([]byte, headerLen, total)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(entries)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(total))
	for _, r := range recs {
		buf = append(buf, r...)
	}
	return buf
}

// Add appends (parent, name) to entries, returning the new slice.
func Add(entries []Entry, parent fid.FID, name string) []Entry {
	return append(entries, Entry{Parent: parent, Name: name})
}

// Remove deletes the first entry matching (parent, name), if present.
func Remove(entries []Entry, parent fid.FID, name string) []Entry {
	out := make([]Entry, 0, len(entries))
	removed := false
	for _, e := range entries {
		if !removed && e.Parent == parent && e.Name == name {
			removed = true
			continue
		}
		out = append(out, e)
	}
	return out
}

// Contains reports whether entries contains (parent, name).
func Contains(entries []Entry, parent fid.FID, name string) bool {
	for _, e := range entries {
		if e.Parent == parent && e.Name == name {
			return true
		}
	}
	return false
}
