// Layout master checker (§4.5): verifies each MDT inode's layout
// stripes against the OST objects they reference, classifying and
// repairing DANGLING, UNMATCHED_PAIR, MULTIPLE_REFERENCED, and
// INCONSISTENT_OWNER inconsistencies.
package checker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
	"github.com/sdsc/lfsck/internal/lfsck/lovea"
	"github.com/sdsc/lfsck/internal/lfsck/metrics"
	"github.com/sdsc/lfsck/internal/lfsck/pipeline"
	"github.com/sdsc/lfsck/internal/lfsck/store"
)

// Class is a layout-checker inconsistency classification (§4.5
// handle_p1 step 8).
type Class int

// Layout inconsistency classes.
const (
	ClassOK Class = iota
	ClassDangling
	ClassUnmatchedPair
	ClassMultipleReferenced
	ClassInconsistentOwner
)

// LayoutReq is the unit of work the layout master's exec_oit enqueues
// onto its assistant pipeline (§4.5 step 6).
type LayoutReq struct {
	Parent fid.FID
	OstIdx uint16
	Slot   int
	Stripe lovea.Stripe
}

// lostFoundDir is the well-known FID of .lustre/lost+found/MDT0 (§3.2,
// §4.9 "Lost+found directory"), the reserved directory under the
// SeqDotLustre range that every lost+found inode is inserted into.
var lostFoundDir = fid.FID{Seq: fid.SeqDotLustre, Oid: 1}

// LayoutMaster implements engine.Checker for the master-side layout
// check (§4.5).
type LayoutMaster struct {
	Base

	lostFound int64 // monotonic counter for lost+found naming
	slaves    []OrphanSource
}

// NewLayoutMaster constructs a LayoutMaster.
func NewLayoutMaster(base Base) *LayoutMaster {
	return &LayoutMaster{Base: base}
}

// AddSlave registers an OST's orphan pseudo-index so EnterDoubleScan
// drains it during phase-2 (§4.5 "For every OST that has reported its
// phase-1 complete, iterate its orphan index").
func (c *LayoutMaster) AddSlave(src OrphanSource) {
	c.slaves = append(c.slaves, src)
}

// ExecOIT implements engine.Checker (§4.5 exec_oit).
func (c *LayoutMaster) ExecOIT(ctx context.Context, obj store.Object, attr store.Attr) error {
	if attr.Type != store.TypeRegular {
		return nil
	}
	c.recordChecked()

	buf := make([]byte, 256)
	n, err := c.st.XattrGet(ctx, obj, store.XattrLOV, buf)
	if errors.Is(err, store.ErrRange) {
		buf = make([]byte, n)
		n, err = c.st.XattrGet(ctx, obj, store.XattrLOV, buf)
	}
	if errors.Is(err, store.ErrNoData) {
		return nil // no layout: nothing for this checker to do
	}
	if err != nil {
		return errors.Wrapf(err, "layout xattr get on %v", obj)
	}

	layout, err := lovea.Decode(buf[:n])
	if err != nil {
		if errors.Is(err, lovea.ErrUnsupportedPattern) {
			return nil
		}
		c.recordFailed()
		return errors.Wrapf(err, "layout decode on %v", obj)
	}

	if !layout.OiMatches(obj.FID()) {
		if !c.policy.DryRun {
			if err := c.repairLmmOi(ctx, obj, layout); err != nil {
				return err
			}
		} else {
			c.markDryRunHit()
		}
		c.recordRepaired(metrics.ReasonUnmatchedPair)
	}

	for i, stripe := range layout.Stripes {
		if stripe.IsDummy() {
			continue
		}
		desc, ok := c.reg.Get(stripe.OstIdx)
		if !ok {
			c.recordFailed()
			continue
		}
		desc.Release()
		req := LayoutReq{Parent: obj.FID(), OstIdx: stripe.OstIdx, Slot: i, Stripe: stripe}
		// Stripe carries the wire-format 64-bit OST object id; FID.Oid is
		// the modern 32-bit form, so the crossing narrows explicitly.
		childFID := fid.FID{Seq: stripe.OstSeq, Oid: uint32(stripe.OstOid)}
		c.pipe.Submit(pipeline.Request{FID: childFID, Kind: "layout", Data: req})
	}
	return nil
}

// Fetch is the pipeline.Fetcher the controller wires this checker's
// assistant to: it runs handle_p1 for the LayoutReq carried in the
// request's Data (§4.5 handle_p1).
func (c *LayoutMaster) Fetch(ctx context.Context, req pipeline.Request) (any, error) {
	lr, _ := req.Data.(LayoutReq)
	return nil, c.handleP1(ctx, lr)
}

func (c *LayoutMaster) repairLmmOi(ctx context.Context, obj store.Object, layout lovea.Layout) error {
	layout.LmmOi = obj.FID()
	encoded, err := lovea.Encode(layout)
	if err != nil {
		return errors.Wrap(err, "encode repaired layout")
	}
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareXattrSet(obj, store.XattrLOV) },
		func(tx store.Tx) error {
			return c.st.XattrSet(ctx, obj, store.XattrLOV, encoded, store.XattrReplace, tx)
		},
	)
}

// handleP1 classifies and repairs one LayoutReq (§4.5 handle_p1).
func (c *LayoutMaster) handleP1(ctx context.Context, req LayoutReq) error {
	parent, err := c.st.Locate(ctx, req.Parent)
	if err != nil {
		return nil // parent gone: drop the request
	}
	parentAttr, err := c.st.AttrGet(ctx, parent)
	if err != nil {
		return nil
	}

	childFID := fid.FID{Seq: req.Stripe.OstSeq, Oid: uint32(req.Stripe.OstOid)}
	child, err := c.st.Locate(ctx, childFID)
	if errors.Is(err, store.ErrNotFound) {
		return c.repair(ctx, ClassDangling, parent, parentAttr, childFID, req)
	}
	if err != nil {
		return err
	}

	ffBuf := make([]byte, lovea.SizeOf)
	n, err := c.st.XattrGet(ctx, child, store.XattrFilterFid, ffBuf)
	if err != nil || n != lovea.SizeOf {
		return c.repair(ctx, ClassUnmatchedPair, parent, parentAttr, childFID, req)
	}
	ff := lovea.DecodeFilterFid(ffBuf)
	if ff.Parent().IsZero() || !ff.Parent().IsSane() {
		return c.repair(ctx, ClassUnmatchedPair, parent, parentAttr, childFID, req)
	}

	class := c.checkParent(ctx, parent, ff, req)
	if class != ClassOK {
		return c.repair(ctx, class, parent, parentAttr, childFID, req)
	}

	childAttr, err := c.st.AttrGet(ctx, child)
	if err != nil {
		return err
	}
	if childAttr.UID != parentAttr.UID || childAttr.GID != parentAttr.GID {
		return c.repair(ctx, ClassInconsistentOwner, parent, parentAttr, childFID, req)
	}
	return nil
}

// checkParent implements §4.5 step 6 "check_parent".
func (c *LayoutMaster) checkParent(ctx context.Context, parent store.Object, ff lovea.FilterFid, req LayoutReq) Class {
	if ff.Parent() == parent.FID() && int(ff.SlotIndex()) == req.Slot {
		return ClassOK
	}
	claimedParent, err := c.st.Locate(ctx, ff.Parent())
	if err != nil {
		return ClassUnmatchedPair
	}
	buf := make([]byte, 256)
	n, err := c.st.XattrGet(ctx, claimedParent, store.XattrLOV, buf)
	if err != nil {
		return ClassUnmatchedPair
	}
	layout, err := lovea.Decode(buf[:n])
	if err != nil {
		return ClassUnmatchedPair
	}
	for _, s := range layout.Stripes {
		if s.OstIdx == req.Stripe.OstIdx && s.OstOid == req.Stripe.OstOid && s.OstSeq == req.Stripe.OstSeq {
			return ClassMultipleReferenced
		}
	}
	return ClassUnmatchedPair
}

// repair applies the §4.5 repair table for class. All repairs are
// idempotent: each re-reads under the transaction before acting and
// simply returns nil (not an error) if the precondition no longer
// holds.
func (c *LayoutMaster) repair(ctx context.Context, class Class, parent store.Object, parentAttr store.Attr, childFID fid.FID, req LayoutReq) error {
	if c.policy.DryRun {
		c.recordInconsistentOnly(class)
		return nil
	}
	switch class {
	case ClassDangling:
		return c.repairDangling(ctx, parent, parentAttr, childFID, req)
	case ClassUnmatchedPair:
		return c.repairUnmatchedPair(ctx, parent, parentAttr, childFID, req)
	case ClassMultipleReferenced:
		return c.repairMultipleReferenced(ctx, parent, childFID, req)
	case ClassInconsistentOwner:
		return c.repairInconsistentOwner(ctx, parent, parentAttr, childFID)
	}
	return nil
}

func (c *LayoutMaster) recordInconsistentOnly(class Class) {
	c.metrics.RecordInconsistent(c.name, classReason(class))
	c.markDryRunHit()
}

func classReason(class Class) string {
	switch class {
	case ClassDangling:
		return metrics.ReasonDangling
	case ClassUnmatchedPair:
		return metrics.ReasonUnmatchedPair
	case ClassMultipleReferenced:
		return metrics.ReasonMultipleReferenced
	case ClassInconsistentOwner:
		return metrics.ReasonInconsistentOwner
	default:
		return "unknown"
	}
}

// repairDangling creates an empty OST object covering a stripe whose
// target no longer exists, mode 0660+S_IXOTH marking it LFSCK-created
// (§4.5 repair table).
func (c *LayoutMaster) repairDangling(ctx context.Context, parent store.Object, parentAttr store.Attr, childFID fid.FID, req LayoutReq) error {
	const modeLFSCKCreated = 0660 | 0001 // S_IXOTH
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareCreate() },
		func(tx store.Tx) error {
			child, err := c.st.Create(ctx, store.Attr{Mode: modeLFSCKCreated, UID: parentAttr.UID, GID: parentAttr.GID, Ctime: 0}, childFID, tx)
			if err != nil {
				return err
			}
			ff := lovea.NewFilterFid(parent.FID(), uint32(req.Slot))
			// child has no identity until Create returns, so this
			// declare can't be hoisted ahead of Start.
			tx.DeclareXattrSet(child, store.XattrFilterFid)
			if err := c.st.XattrSet(ctx, child, store.XattrFilterFid, ff.Encode(), store.XattrCreate, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonDangling)
			return nil
		},
	)
}

// repairUnmatchedPair overwrites the child's filter-fid to reference
// parent+slot and adopts the parent's owner.
func (c *LayoutMaster) repairUnmatchedPair(ctx context.Context, parent store.Object, parentAttr store.Attr, childFID fid.FID, req LayoutReq) error {
	child, err := c.st.Locate(ctx, childFID)
	if err != nil {
		return nil
	}
	return c.withTx(ctx,
		func(tx store.Tx) {
			tx.DeclareXattrSet(child, store.XattrFilterFid)
			tx.DeclareRecordWrite(child)
		},
		func(tx store.Tx) error {
			ff := lovea.NewFilterFid(parent.FID(), uint32(req.Slot))
			if err := c.st.XattrSet(ctx, child, store.XattrFilterFid, ff.Encode(), store.XattrReplace, tx); err != nil {
				return err
			}
			attr, err := c.st.AttrGet(ctx, child)
			if err != nil {
				return err
			}
			attr.UID, attr.GID = parentAttr.UID, parentAttr.GID
			if err := c.st.AttrSet(ctx, child, attr, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonUnmatchedPair)
			return nil
		},
	)
}

// repairMultipleReferenced allocates a fresh OST object for the same
// slot so the original, still-multiply-claimed object keeps its own
// parent link (§4.5 repair table).
func (c *LayoutMaster) repairMultipleReferenced(ctx context.Context, parent store.Object, childFID fid.FID, req LayoutReq) error {
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareCreate() },
		func(tx store.Tx) error {
			fresh, err := c.st.Create(ctx, store.Attr{Mode: 0660}, fid.FID{}, tx)
			if err != nil {
				return err
			}
			ff := lovea.NewFilterFid(parent.FID(), uint32(req.Slot))
			tx.DeclareXattrSet(fresh, store.XattrFilterFid)
			if err := c.st.XattrSet(ctx, fresh, store.XattrFilterFid, ff.Encode(), store.XattrCreate, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonMultipleReferenced)
			return nil
		},
	)
}

// repairInconsistentOwner sets the child's uid/gid to match its
// parent's.
func (c *LayoutMaster) repairInconsistentOwner(ctx context.Context, parent store.Object, parentAttr store.Attr, childFID fid.FID) error {
	child, err := c.st.Locate(ctx, childFID)
	if err != nil {
		return nil
	}
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareRecordWrite(child) },
		func(tx store.Tx) error {
			attr, err := c.st.AttrGet(ctx, child)
			if err != nil {
				return err
			}
			attr.UID, attr.GID = parentAttr.UID, parentAttr.GID
			if err := c.st.AttrSet(ctx, child, attr, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonInconsistentOwner)
			return nil
		},
	)
}

// ExecDir implements engine.Checker: the layout master never dispatches
// on directory entries (§4.5 only defines exec_oit).
func (c *LayoutMaster) ExecDir(context.Context, fid.FID, store.DirEntry) error { return nil }

// EnterDoubleScan implements engine.Checker: phase-2 orphan scan (§4.5
// "Phase-2 (orphan scan)"). Orphans are reported by each OST's
// FidBitmap-backed pseudo-index through handleOrphan. A failure on one
// orphan is recorded and does not abort the scan of the rest.
func (c *LayoutMaster) EnterDoubleScan(ctx context.Context) error {
	for _, src := range c.slaves {
		recs, err := src.OrphanIndex(ctx)
		if err != nil {
			c.recordFailed()
			continue
		}
		for _, rec := range recs {
			if err := c.handleOrphan(ctx, rec.Orphan, rec.Parent, rec.UID, rec.GID, rec.OstIdx, rec.Slot); err != nil {
				c.recordFailed()
			}
		}
	}
	return nil
}

// handleOrphan implements the §4.5 phase-2 per-orphan logic: create a
// lost+found parent if none is claimed or reachable, otherwise
// recreate the layout slot via recreateLovea.
func (c *LayoutMaster) handleOrphan(ctx context.Context, orphan, claimedParent fid.FID, uid, gid uint32, ostIdx uint16, slot int) error {
	if claimedParent.IsZero() {
		return c.createLostFoundParent(ctx, orphan, uid, gid, ostIdx, slot, "N")
	}
	parent, err := c.st.Locate(ctx, claimedParent)
	if errors.Is(err, store.ErrNotFound) {
		return c.createLostFoundParent(ctx, orphan, uid, gid, ostIdx, slot, "R")
	}
	if err != nil {
		return err
	}
	attr, err := c.st.AttrGet(ctx, parent)
	if err != nil {
		return err
	}
	if attr.Type != store.TypeDirectory {
		return errors.Errorf("claimed parent %v of orphan %v is not a directory", claimedParent, orphan)
	}
	return c.recreateLovea(ctx, parent, orphan, ostIdx, slot)
}

// recreateLovea implements §4.5 "recreate_lovea".
func (c *LayoutMaster) recreateLovea(ctx context.Context, parent store.Object, orphan fid.FID, ostIdx uint16, slot int) error {
	buf := make([]byte, 4096)
	n, err := c.st.XattrGet(ctx, parent, store.XattrLOV, buf)
	var layout lovea.Layout
	if errors.Is(err, store.ErrNoData) {
		layout = lovea.Layout{Magic: lovea.MagicV3, Pattern: lovea.PatternRAID0, LmmOi: parent.FID()}
	} else if err != nil {
		return err
	} else {
		layout, err = lovea.Decode(buf[:n])
		if err != nil {
			return err
		}
	}

	layout = layout.WithExtendedStripes(slot)
	if !layout.Stripes[slot].IsDummy() {
		if c.isLFSCKCreatedCover(ctx, layout.Stripes[slot]) {
			return c.exchangeCreate(ctx, parent, orphan, slot, layout)
		}
		return c.createLostFoundParent(ctx, orphan, 0, 0, ostIdx, slot, "C")
	}

	layout.Stripes[slot] = lovea.Stripe{OstIdx: ostIdx, OstOid: uint64(orphan.Oid), OstSeq: orphan.Seq}
	layout.LayoutGen++
	encoded, err := lovea.Encode(layout)
	if err != nil {
		return err
	}
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareXattrSet(parent, store.XattrLOV) },
		func(tx store.Tx) error {
			return c.st.XattrSet(ctx, parent, store.XattrLOV, encoded, store.XattrReplace, tx)
		},
	)
}

// isLFSCKCreatedCover reports whether the stripe's occupant object
// carries the executable-other mode bit repairDangling uses to mark an
// object it created to cover a dangling reference (§4.5 repair table,
// §4.5 phase-2 step 3).
func (c *LayoutMaster) isLFSCKCreatedCover(ctx context.Context, s lovea.Stripe) bool {
	obj, err := c.st.Locate(ctx, fid.FID{Seq: s.OstSeq, Oid: uint32(s.OstOid)})
	if err != nil {
		return false
	}
	attr, err := c.st.AttrGet(ctx, obj)
	if err != nil {
		return false
	}
	return attr.Mode&0001 != 0 // S_IXOTH
}

// exchangeCreate implements §4.5 "exchange_create": swap an
// LFSCK-created dangling-cover object out of parent's slot for the
// real orphan, relocating the cover under a new lost+found inode.
func (c *LayoutMaster) exchangeCreate(ctx context.Context, parent store.Object, orphan fid.FID, slot int, layout lovea.Layout) error {
	coverStripe := layout.Stripes[slot]
	lfName := fmt.Sprintf("E-%v-%d", fid.FID{Seq: coverStripe.OstSeq, Oid: uint32(coverStripe.OstOid)}, slot)
	lfDir, err := c.st.Locate(ctx, lostFoundDir)
	if err != nil {
		return errors.Wrap(err, "locate lost+found directory")
	}
	coverChild, coverErr := c.st.Locate(ctx, fid.FID{Seq: coverStripe.OstSeq, Oid: uint32(coverStripe.OstOid)})
	return c.withTx(ctx,
		func(tx store.Tx) {
			tx.DeclareCreate()
			tx.DeclareInsert(lfDir)
			if coverErr == nil {
				tx.DeclareXattrSet(coverChild, store.XattrFilterFid)
			}
			tx.DeclareXattrSet(parent, store.XattrLOV)
		},
		func(tx store.Tx) error {
			lf, err := c.st.Create(ctx, store.Attr{Type: store.TypeRegular}, fid.FID{}, tx)
			if err != nil {
				return err
			}
			if err := c.st.Insert(ctx, lfDir, lfName, lf.FID(), tx); err != nil {
				return err
			}
			ff := lovea.NewFilterFid(lf.FID(), uint32(slot))
			if coverErr == nil {
				if err := c.st.XattrSet(ctx, coverChild, store.XattrFilterFid, ff.Encode(), store.XattrReplace, tx); err != nil {
					return err
				}
			}
			layout.Stripes[slot] = lovea.Stripe{OstIdx: coverStripe.OstIdx, OstOid: uint64(orphan.Oid), OstSeq: orphan.Seq}
			layout.LayoutGen++
			encoded, err := lovea.Encode(layout)
			if err != nil {
				return err
			}
			if err := c.st.XattrSet(ctx, parent, store.XattrLOV, encoded, store.XattrReplace, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonMultipleReferenced)
			return nil
		},
	)
}

// createLostFoundParent materializes a lost+found inode named
// "<prefix>-<cfid>-<k>" for an orphan whose real parent can't be used
// (§4.5 phase-2, §4.9 naming convention). The inode is a regular file
// carrying a fresh layout whose slot-many dummy stripes lead up to the
// orphan's real entry at index slot, matching the worked example in
// §4.9 ("inserts a layout xattr whose stripe 3 is a dummy slot through
// index 2 and a real entry for O at index 3").
func (c *LayoutMaster) createLostFoundParent(ctx context.Context, orphan fid.FID, uid, gid uint32, ostIdx uint16, slot int, prefix string) error {
	k := atomic.AddInt64(&c.lostFound, 1)
	name := fmt.Sprintf("%s-%v-%d", prefix, orphan, k)
	lfDir, err := c.st.Locate(ctx, lostFoundDir)
	if err != nil {
		return errors.Wrap(err, "locate lost+found directory")
	}
	orphanObj, orphanErr := c.st.Locate(ctx, orphan)
	return c.withTx(ctx,
		func(tx store.Tx) {
			tx.DeclareCreate()
			tx.DeclareInsert(lfDir)
			if orphanErr == nil {
				tx.DeclareXattrSet(orphanObj, store.XattrFilterFid)
			}
		},
		func(tx store.Tx) error {
			lf, err := c.st.Create(ctx, store.Attr{Type: store.TypeRegular, UID: uid, GID: gid}, fid.FID{}, tx)
			if err != nil {
				return err
			}
			if err := c.st.Insert(ctx, lfDir, name, lf.FID(), tx); err != nil {
				return err
			}

			layout := lovea.Layout{Magic: lovea.MagicV3, Pattern: lovea.PatternRAID0, LmmOi: lf.FID()}
			layout = layout.WithExtendedStripes(slot)
			layout.Stripes[slot] = lovea.Stripe{OstIdx: ostIdx, OstOid: uint64(orphan.Oid), OstSeq: orphan.Seq}
			encoded, err := lovea.Encode(layout)
			if err != nil {
				return err
			}
			// lf has no identity until Create returns, so this declare
			// can't be hoisted ahead of Start.
			tx.DeclareXattrSet(lf, store.XattrLOV)
			if err := c.st.XattrSet(ctx, lf, store.XattrLOV, encoded, store.XattrCreate, tx); err != nil {
				return err
			}

			if orphanErr == nil {
				ff := lovea.NewFilterFid(lf.FID(), uint32(slot))
				if err := c.st.XattrSet(ctx, orphanObj, store.XattrFilterFid, ff.Encode(), store.XattrReplace, tx); err != nil {
					return err
				}
			}

			c.recordRepaired(metrics.ReasonOrphan)
			return nil
		},
	)
}
