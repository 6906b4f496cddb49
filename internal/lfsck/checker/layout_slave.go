// Layout slave checker (§4.6): runs on each OST, maintaining a
// FidBitmap of every locally known and client-accessed object, tracking
// per-sequence LAST_ID consistency, and exposing the pruned bitmap as a
// phase-2 orphan pseudo-index for the layout master to drain.
package checker

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/sdsc/lfsck/internal/lfsck/bitmap"
	"github.com/sdsc/lfsck/internal/lfsck/fid"
	"github.com/sdsc/lfsck/internal/lfsck/lovea"
	"github.com/sdsc/lfsck/internal/lfsck/peer"
	"github.com/sdsc/lfsck/internal/lfsck/store"
)

// OrphanRecord is one (orphan_fid, parent_fid, uid, gid) tuple the
// slave's pruned FidBitmap exposes to the master's phase-2 orphan scan
// (§4.6 "What remains is exposed via a pseudo-index").
type OrphanRecord struct {
	OstIdx   uint16
	Orphan   fid.FID
	Parent   fid.FID
	Slot     int
	UID, GID uint32
}

// OrphanSource is what LayoutMaster.EnterDoubleScan drains: one per
// registered OST target in this deployment (§4.5 "For every OST that
// has reported its phase-1 complete, iterate its orphan index").
type OrphanSource interface {
	OrphanIndex(ctx context.Context) ([]OrphanRecord, error)
}

// lastIDSeq tracks the highest observed OID for one sequence, the
// LastIdSeq record of §4.6.
type lastIDSeq struct {
	highestSeen uint32
}

// LayoutSlave implements engine.Checker for the OST-side layout check
// (§4.6).
type LayoutSlave struct {
	Base

	ostIdx uint16
	bits   *bitmap.Tree

	mu            sync.Mutex
	lastIDs       map[uint64]*lastIDSeq
	crashedLastID bool

	pruned []*bitmap.Node
}

// NewLayoutSlave constructs a LayoutSlave for the given local OST
// index, registering its FID_ACCESSED handler on bus if non-nil so the
// layout master can reach it through the in-process transport (§4.4).
func NewLayoutSlave(base Base, ostIdx uint16, bus *peer.Bus) *LayoutSlave {
	s := &LayoutSlave{
		Base:    base,
		ostIdx:  ostIdx,
		bits:    bitmap.New(),
		lastIDs: make(map[uint64]*lastIDSeq),
	}
	if bus != nil {
		bus.Register(ostIdx, s.handleNotification)
	}
	return s
}

func (s *LayoutSlave) handleNotification(_ context.Context, n peer.Notification) peer.Reply {
	switch n.Event {
	case peer.EventFIDAccessed:
		s.MarkAccessed(n.Seq, n.Oid)
		return peer.Reply{Status: 1}
	case peer.EventStart:
		return peer.Reply{Status: 1}
	case peer.EventStop:
		return peer.Reply{Status: 1}
	case peer.EventQuery:
		return peer.Reply{Status: 1}
	default:
		return peer.Reply{Status: 0, Err: errors.Errorf("layout slave: unhandled event %s", n.Event)}
	}
}

// MarkAccessed records a client access to (seq, oid), the effect of an
// LE_FID_ACCESSED notification (§4.6).
func (s *LayoutSlave) MarkAccessed(seq uint64, oid uint32) {
	s.bits.MarkAccessed(seq, oid)
}

// ExecOIT implements engine.Checker: every locally stored OST object is
// marked known in the FidBitmap and folded into its sequence's LastIdSeq
// high-water mark (§4.6).
func (s *LayoutSlave) ExecOIT(ctx context.Context, obj store.Object, attr store.Attr) error {
	f := obj.FID()
	s.bits.MarkKnown(f.Seq, f.Oid)
	s.recordChecked()

	s.mu.Lock()
	li, ok := s.lastIDs[f.Seq]
	if !ok {
		li = &lastIDSeq{}
		s.lastIDs[f.Seq] = li
	}
	if f.Oid > li.highestSeen {
		li.highestSeen = f.Oid
	}
	s.mu.Unlock()
	return nil
}

// CheckLastID compares the on-disk LAST_ID for seq against the highest
// OID this run has actually observed; a smaller on-disk value means the
// OST's LAST_ID file didn't survive a crash and must be rebuilt (§4.6
// "mark the run with flag CRASHED_LASTID").
func (s *LayoutSlave) CheckLastID(seq uint64, onDiskLastID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	li, ok := s.lastIDs[seq]
	if !ok {
		return
	}
	if onDiskLastID < li.highestSeen {
		s.crashedLastID = true
	}
}

// CrashedLastID reports whether any sequence's on-disk LAST_ID lagged
// behind what this run observed.
func (s *LayoutSlave) CrashedLastID() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashedLastID
}

// ExecDir implements engine.Checker: the layout slave never dispatches
// on directory entries.
func (s *LayoutSlave) ExecDir(context.Context, fid.FID, store.DirEntry) error { return nil }

// EnterDoubleScan implements engine.Checker: prunes the FidBitmap,
// keeping only nodes with orphan candidates, and notifies the
// coordinator of PHASE2_DONE plus a rebuild flag if LAST_ID crashed
// (§4.6 "on phase-2 entry, the FidBitmap is pruned").
func (s *LayoutSlave) EnterDoubleScan(ctx context.Context) error {
	s.mu.Lock()
	s.pruned = s.bits.Prune()
	crashed := s.crashedLastID
	s.mu.Unlock()

	status := 1
	if crashed {
		status = 0 // signals the rebuild-LAST_ID condition to the coordinator
	}
	if s.coord != nil {
		s.coord.Stop(ctx, s.name+"-rebuild-hint", status)
	}
	return nil
}

// OrphanIndex implements OrphanSource: walks the pruned FidBitmap and,
// for each candidate oid, reads the object's filter-fid to recover the
// claimed parent and owner, building the (orphan_fid, parent_fid, uid,
// gid) tuples the master's phase-2 scan consumes (§4.6).
func (s *LayoutSlave) OrphanIndex(ctx context.Context) ([]OrphanRecord, error) {
	s.mu.Lock()
	nodes := s.pruned
	s.mu.Unlock()

	var out []OrphanRecord
	for _, n := range nodes {
		for _, oid := range n.Orphans() {
			childFID := fid.FID{Seq: n.Seq, Oid: oid}
			obj, err := s.st.Locate(ctx, childFID)
			if err != nil {
				continue
			}
			attr, err := s.st.AttrGet(ctx, obj)
			if err != nil {
				continue
			}

			rec := OrphanRecord{OstIdx: s.ostIdx, Orphan: childFID, UID: attr.UID, GID: attr.GID}
			buf := make([]byte, lovea.SizeOf)
			if fn, err := s.st.XattrGet(ctx, obj, store.XattrFilterFid, buf); err == nil && fn == lovea.SizeOf {
				ff := lovea.DecodeFilterFid(buf[:fn])
				rec.Parent = ff.Parent()
				rec.Slot = int(ff.SlotIndex())
			}
			out = append(out, rec)
		}
	}
	return out, nil
}
