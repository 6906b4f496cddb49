// Package fld implements a minimal FID-Location-Database lookup: given
// a FID's sequence, which MDT index owns it (§4.7 "Compute the target
// MDT index from child_fid's sequence via FLD").
//
// Grounded on the sorted-range-table idiom in
// internal/lfsck/registry/registry.go (itself adapted from backend/union's
// upstream-table pattern): a slice of range boundaries walked in order,
// rather than rclone's path-based remote search, since an FLD maps a
// numeric sequence range to an index, not a filesystem path to a
// remote.
package fld

import "sort"

// Range is one contiguous sequence range owned by an MDT.
type Range struct {
	Start, End uint64 // [Start, End], inclusive
	MDTIndex   uint16
}

// DB is a sorted table of sequence ranges, plus this node's own index,
// which Local compares against the owner that Lookup finds.
type DB struct {
	self   uint16
	ranges []Range
}

// New creates a DB for a node whose own MDT index is self.
func New(self uint16) *DB {
	return &DB{self: self}
}

// Add registers an owned range. Ranges must not overlap; the caller
// (the controller, from its target list) is responsible for that.
func (d *DB) Add(r Range) {
	d.ranges = append(d.ranges, r)
	sort.Slice(d.ranges, func(i, j int) bool { return d.ranges[i].Start < d.ranges[j].Start })
}

// Lookup returns the MDT index owning seq, and whether one was found.
func (d *DB) Lookup(seq uint64) (uint16, bool) {
	i := sort.Search(len(d.ranges), func(i int) bool { return d.ranges[i].End >= seq })
	if i < len(d.ranges) && d.ranges[i].Start <= seq {
		return d.ranges[i].MDTIndex, true
	}
	return 0, false
}

// Local reports whether seq is owned by this node's own MDT index.
func (d *DB) Local(seq uint64) bool {
	idx, ok := d.Lookup(seq)
	return ok && idx == d.self
}
