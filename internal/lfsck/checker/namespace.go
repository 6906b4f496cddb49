// Namespace checker (§4.7-§4.8): verifies every object's linkEA back-
// pointers against the directory entries that actually name it,
// repairs dangling/redundant name entries, validates striped-directory
// (LMV) shards against their master record, and reconciles orphan or
// multiply-linked directories during phase-2 (DSD).
package checker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
	"github.com/sdsc/lfsck/internal/lfsck/fld"
	"github.com/sdsc/lfsck/internal/lfsck/linkea"
	"github.com/sdsc/lfsck/internal/lfsck/lmv"
	"github.com/sdsc/lfsck/internal/lfsck/metrics"
	"github.com/sdsc/lfsck/internal/lfsck/pipeline"
	"github.com/sdsc/lfsck/internal/lfsck/store"
	"github.com/sdsc/lfsck/internal/lfsck/tracingfile"
)

// NamespaceReq is the unit of work exec_dir enqueues onto the
// namespace checker's assistant pipeline for handle_p1 (§4.8 step 3).
type NamespaceReq struct {
	Parent fid.FID
	Name   string
	Child  fid.FID
	Type   store.EntryType
}

// NamespaceChecker implements engine.Checker for the namespace check
// (§4.7-§4.8).
type NamespaceChecker struct {
	Base

	fld       *fld.DB // may be nil: every sequence is then treated as local
	lostFound int64
}

// NewNamespaceChecker constructs a NamespaceChecker. db may be nil for
// a single-MDT deployment where every FID is local by definition.
func NewNamespaceChecker(base Base, db *fld.DB) *NamespaceChecker {
	return &NamespaceChecker{Base: base, fld: db}
}

func (c *NamespaceChecker) flag(id fid.FID, f tracingfile.Flag) error {
	if c.trace == nil {
		return nil
	}
	return c.trace.SetFlag(id, f)
}

// ExecOIT implements engine.Checker (§4.7).
func (c *NamespaceChecker) ExecOIT(ctx context.Context, obj store.Object, attr store.Attr) error {
	c.recordChecked()

	buf := make([]byte, 256)
	n, err := c.st.XattrGet(ctx, obj, store.XattrLink, buf)
	if errors.Is(err, store.ErrRange) {
		buf = make([]byte, n)
		n, err = c.st.XattrGet(ctx, obj, store.XattrLink, buf)
	}
	if errors.Is(err, store.ErrNoData) {
		if attr.Type == store.TypeDirectory {
			return nil
		}
		if attr.Nlink > 1 {
			return c.flag(obj.FID(), tracingfile.FlagCheckLinkEA)
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "linkea get on %v", obj)
	}

	_, entries, decErr := linkea.Decode(buf[:n])
	if decErr != nil {
		if err := c.flag(obj.FID(), tracingfile.FlagCheckLinkEA); err != nil {
			return err
		}
		return c.withTx(ctx,
			func(tx store.Tx) { tx.DeclareXattrSet(obj, store.XattrLink) },
			func(tx store.Tx) error {
				return c.st.XattrDel(ctx, obj, store.XattrLink, tx)
			},
		)
	}

	if len(entries) > 1 {
		return c.flag(obj.FID(), tracingfile.FlagCheckLinkEA)
	}
	if len(entries) == 1 {
		parent := entries[0].Parent
		if !parent.IsSane() {
			return c.flag(obj.FID(), tracingfile.FlagCheckParent)
		}
		if c.fld != nil && !c.fld.Local(parent.Seq) {
			return c.flag(obj.FID(), tracingfile.FlagCheckLinkEA)
		}
	}
	return nil
}

// ExecDir implements engine.Checker: every non-dot directory entry is
// handed to the assistant for handle_p1 (§4.8).
func (c *NamespaceChecker) ExecDir(ctx context.Context, dirFid fid.FID, entry store.DirEntry) error {
	if entry.Name == ".." {
		if entry.Child.IsZero() {
			return c.flag(dirFid, tracingfile.FlagCheckParent)
		}
		return nil
	}
	if entry.Name == "." {
		return nil
	}
	c.recordChecked()
	req := NamespaceReq{Parent: dirFid, Name: entry.Name, Child: entry.Child, Type: entry.Type}
	c.pipe.Submit(pipeline.Request{FID: entry.Child, Kind: "namespace", Data: req})
	return nil
}

// Fetch is the pipeline.Fetcher the controller wires this checker's
// assistant to.
func (c *NamespaceChecker) Fetch(ctx context.Context, req pipeline.Request) (any, error) {
	nr, _ := req.Data.(NamespaceReq)
	return nil, c.handleP1(ctx, nr)
}

// handleP1 implements §4.8 steps 3-5.
func (c *NamespaceChecker) handleP1(ctx context.Context, req NamespaceReq) error {
	parent, err := c.st.Locate(ctx, req.Parent)
	if err != nil {
		return nil
	}

	// req.Child's sequence would be routed through the FLD to a remote
	// MDT's assistant in a multi-MDT deployment (§4.8 step 3); this
	// deployment backs every target with one shared Store, so the
	// local and remote cases resolve against the same object without
	// an actual RPC hop.

	child, err := c.st.Locate(ctx, req.Child)
	if errors.Is(err, store.ErrNotFound) {
		return c.handleDanglingName(ctx, parent, req)
	}
	if err != nil {
		return err
	}

	if err := c.checkStripedShard(ctx, parent, child, req.Name); err != nil {
		return err
	}

	return c.checkChildLinkEA(ctx, parent, child, req)
}

// handleDanglingName implements §4.8 step 4.
func (c *NamespaceChecker) handleDanglingName(ctx context.Context, parent store.Object, req NamespaceReq) error {
	if c.policy.DryRun || !c.policy.CreateMDTObj {
		c.recordInconsistent(metrics.ReasonDanglingName)
		return nil
	}
	typ := req.Type
	if typ == store.TypeUnknown {
		typ = store.TypeRegular
	}
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareCreate() },
		func(tx store.Tx) error {
			child, err := c.st.Create(ctx, store.Attr{Type: typ, Mode: 0600, Ctime: 0}, req.Child, tx)
			if err != nil {
				return err
			}
			entries := []linkea.Entry{{Parent: parent.FID(), Name: req.Name}}
			// child has no identity until Create returns, so this
			// declare can't be hoisted ahead of Start.
			tx.DeclareXattrSet(child, store.XattrLink)
			if err := c.st.XattrSet(ctx, child, store.XattrLink, linkea.Encode(entries), store.XattrCreate, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonDanglingName)
			return nil
		},
	)
}

// checkChildLinkEA implements §4.8 step 5.
func (c *NamespaceChecker) checkChildLinkEA(ctx context.Context, parent, child store.Object, req NamespaceReq) error {
	buf := make([]byte, 256)
	n, err := c.st.XattrGet(ctx, child, store.XattrLink, buf)
	if errors.Is(err, store.ErrRange) {
		buf = make([]byte, n)
		n, err = c.st.XattrGet(ctx, child, store.XattrLink, buf)
	}
	if errors.Is(err, store.ErrNoData) {
		return c.repairMissingLinkEA(ctx, parent, child, req)
	}
	if err != nil {
		return err
	}

	_, entries, decErr := linkea.Decode(buf[:n])
	if decErr != nil {
		return c.flag(child.FID(), tracingfile.FlagCheckLinkEA)
	}
	if linkea.Contains(entries, parent.FID(), req.Name) {
		return nil
	}

	pruned := pruneInvalidLinkEA(entries)
	if len(pruned) == len(entries) {
		// nothing invalid or duplicate to prune, yet this (parent,
		// name) still isn't among them: leave the child flagged
		// CHECK_LINKEA. The phase-2 DSD pass does not visit this flag.
		return c.flag(child.FID(), tracingfile.FlagCheckLinkEA)
	}
	if c.policy.DryRun {
		c.recordInconsistent(metrics.ReasonLinkEA)
		return nil
	}
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareXattrSet(child, store.XattrLink) },
		func(tx store.Tx) error {
			if err := c.st.XattrSet(ctx, child, store.XattrLink, linkea.Encode(pruned), store.XattrReplace, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonLinkEA)
			return nil
		},
	)
}

// repairMissingLinkEA implements §4.8 step 5's ENODATA branch: the
// child is reachable through this name entry but carries no back-
// pointer at all. An nlink of zero means the object itself doesn't
// believe it is linked anywhere, so the name entry is stale and safe
// to drop; otherwise the object is genuinely linked here and the
// missing linkEA is restored instead.
func (c *NamespaceChecker) repairMissingLinkEA(ctx context.Context, parent, child store.Object, req NamespaceReq) error {
	attr, err := c.st.AttrGet(ctx, child)
	if err != nil {
		return err
	}
	if c.policy.DryRun {
		c.recordInconsistent(metrics.ReasonLinkEA)
		return nil
	}
	if attr.Nlink == 0 {
		return c.withTx(ctx,
			func(tx store.Tx) { tx.DeclareDelete(parent) },
			func(tx store.Tx) error {
				if err := c.st.Delete(ctx, parent, req.Name, tx); err != nil {
					return err
				}
				c.recordRepaired(metrics.ReasonUnknownName)
				return nil
			},
		)
	}
	entries := []linkea.Entry{{Parent: parent.FID(), Name: req.Name}}
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareXattrSet(child, store.XattrLink) },
		func(tx store.Tx) error {
			if err := c.st.XattrSet(ctx, child, store.XattrLink, linkea.Encode(entries), store.XattrCreate, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonLinkEA)
			return nil
		},
	)
}

func pruneInvalidLinkEA(entries []linkea.Entry) []linkea.Entry {
	seen := make(map[linkea.Entry]bool, len(entries))
	out := make([]linkea.Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Parent.IsSane() || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// parseShardName recognizes a striped-directory shard dirent name of
// the form "<masterFID>:<index>", where masterFID is rendered the same
// way fid.FID.String() does ("[0x..:0x..:0x..]") (§4.8 "striped-
// directory handling in phase-1").
func parseShardName(name string) (master fid.FID, index int, ok bool) {
	i := strings.LastIndexByte(name, ':')
	if i < 0 || i == len(name)-1 {
		return fid.FID{}, 0, false
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return fid.FID{}, 0, false
	}
	fidPart := name[:i]
	if len(fidPart) < 2 || fidPart[0] != '[' || fidPart[len(fidPart)-1] != ']' {
		return fid.FID{}, 0, false
	}
	parts := strings.Split(fidPart[1:len(fidPart)-1], ":")
	if len(parts) != 3 {
		return fid.FID{}, 0, false
	}
	seq, err1 := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 64)
	oid, err2 := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 32)
	ver, err3 := strconv.ParseUint(strings.TrimPrefix(parts[2], "0x"), 16, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return fid.FID{}, 0, false
	}
	return fid.FID{Seq: seq, Oid: uint32(oid), Ver: uint32(ver)}, idx, true
}

// checkStripedShard implements §4.8 "striped-directory (LMV) handling
// in phase-1".
func (c *NamespaceChecker) checkStripedShard(ctx context.Context, parent, child store.Object, name string) error {
	masterFID, idx, ok := parseShardName(name)
	if !ok || masterFID != parent.FID() {
		return nil
	}

	buf := make([]byte, 512)
	n, err := c.st.XattrGet(ctx, child, store.XattrLMV, buf)
	if errors.Is(err, store.ErrNoData) {
		return nil
	}
	if err != nil {
		return err
	}
	shard, err := lmv.Decode(buf[:n])
	if err != nil || idx >= int(shard.StripeCount) {
		return nil
	}

	mbuf := make([]byte, 512)
	mn, err := c.st.XattrGet(ctx, parent, store.XattrLMV, mbuf)
	if errors.Is(err, store.ErrNoData) {
		return c.synthesizeMasterLMV(ctx, parent, shard, child.FID(), idx)
	}
	if err != nil {
		return err
	}
	master, err := lmv.Decode(mbuf[:mn])
	if err != nil {
		return nil
	}
	if !shard.CompatibleWith(master) {
		c.recordInconsistent(metrics.ReasonStripedDirMismatch)
		if c.policy.DryRun {
			return nil
		}
		return c.flag(parent.FID(), tracingfile.FlagUncertainLMV)
	}
	return nil
}

// synthesizeMasterLMV re-materializes a missing master-LMV from the
// first valid shard observed (§4.8).
func (c *NamespaceChecker) synthesizeMasterLMV(ctx context.Context, parent store.Object, shard lmv.LMV, shardFID fid.FID, idx int) error {
	if c.policy.DryRun {
		c.recordInconsistent(metrics.ReasonStripedDirMismatch)
		return nil
	}
	stripeFids := make([]fid.FID, shard.StripeCount)
	stripeFids[idx] = shardFID
	master := lmv.SynthesizeMaster(shard, stripeFids)
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareXattrSet(parent, store.XattrLMV) },
		func(tx store.Tx) error {
			if err := c.st.XattrSet(ctx, parent, store.XattrLMV, lmv.Encode(master), store.XattrCreate, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonStripedDirMismatch)
			return nil
		},
	)
}

func (c *NamespaceChecker) recordInconsistent(reason string) {
	if c.metrics != nil {
		c.metrics.RecordInconsistent(c.name, reason)
	}
	c.markDryRunHit()
}

// EnterDoubleScan implements engine.Checker: the Double-Scan-Directory
// pass over every directory flagged RECHECK_NAMEHASH or UNCERTAION_LMV
// during phase-1 (§4.8 "DSD").
func (c *NamespaceChecker) EnterDoubleScan(ctx context.Context) error {
	if c.trace == nil {
		return nil
	}
	var targets []fid.FID
	err := c.trace.Each(func(id fid.FID, flags tracingfile.Flag) error {
		if flags&(tracingfile.FlagRecheckNamehash|tracingfile.FlagUncertainLMV) != 0 {
			targets = append(targets, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range targets {
		if err := c.dsdCheck(ctx, id); err != nil {
			c.recordFailed()
		}
	}
	return nil
}

// dsdCheck implements the §4.8 DSD per-directory logic.
func (c *NamespaceChecker) dsdCheck(ctx context.Context, dirFID fid.FID) error {
	dir, err := c.st.Locate(ctx, dirFID)
	if err != nil {
		return nil
	}

	buf := make([]byte, 256)
	n, err := c.st.XattrGet(ctx, dir, store.XattrLink, buf)
	if errors.Is(err, store.ErrRange) {
		buf = make([]byte, n)
		n, err = c.st.XattrGet(ctx, dir, store.XattrLink, buf)
	}
	var entries []linkea.Entry
	switch {
	case errors.Is(err, store.ErrNoData):
		// no entries
	case err != nil:
		return err
	default:
		if _, decoded, decErr := linkea.Decode(buf[:n]); decErr == nil {
			entries = decoded
		}
	}

	switch len(entries) {
	case 0:
		return c.moveToLostFound(ctx, dir)
	case 1:
		return c.reconcileSingleLinkEA(ctx, dir, entries[0])
	default:
		return c.reconcileMultipleLinkEA(ctx, dir, entries)
	}
}

// moveToLostFound implements the orphan-directory branch: no linkEA
// entry at all, so the directory is relocated under the well-known
// lost+found directory (§4.8, §4.9 naming convention).
func (c *NamespaceChecker) moveToLostFound(ctx context.Context, dir store.Object) error {
	if c.policy.DryRun {
		c.recordInconsistent(metrics.ReasonUnknownName)
		return nil
	}
	lfDir, err := c.st.Locate(ctx, lostFoundDir)
	if err != nil {
		return errors.Wrap(err, "locate lost+found directory")
	}
	pfid, _ := c.st.Lookup(ctx, dir, "..")
	k := atomic.AddInt64(&c.lostFound, 1)
	name := fmt.Sprintf("%v-%v-D-%d", dir.FID(), pfid, k)

	return c.withTx(ctx,
		func(tx store.Tx) {
			tx.DeclareInsert(lfDir)
			tx.DeclareXattrSet(dir, store.XattrLink)
			tx.DeclareInsert(dir)
		},
		func(tx store.Tx) error {
			if err := c.st.Insert(ctx, lfDir, name, dir.FID(), tx); err != nil {
				return err
			}
			entries := []linkea.Entry{{Parent: lostFoundDir, Name: name}}
			if err := c.st.XattrSet(ctx, dir, store.XattrLink, linkea.Encode(entries), store.XattrReplace, tx); err != nil {
				return err
			}
			if err := c.st.Insert(ctx, dir, "..", lostFoundDir, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonOrphan)
			return nil
		},
	)
}

// reconcileSingleLinkEA implements the one-linkEA-entry DSD branch.
func (c *NamespaceChecker) reconcileSingleLinkEA(ctx context.Context, dir store.Object, entry linkea.Entry) error {
	dotdot, lookupErr := c.st.Lookup(ctx, dir, "..")
	if lookupErr == nil && dotdot == entry.Parent {
		return c.ensureNameEntry(ctx, entry.Parent, entry.Name, dir.FID())
	}

	if parentObj, err := c.st.Locate(ctx, entry.Parent); err == nil {
		if child, lookupErr := c.st.Lookup(ctx, parentObj, entry.Name); lookupErr == nil && child == dir.FID() {
			return c.fixDotDot(ctx, dir, entry.Parent)
		}
	}
	return c.moveToLostFound(ctx, dir)
}

// ensureNameEntry repairs the parent's name entry if it is missing or
// points somewhere else.
func (c *NamespaceChecker) ensureNameEntry(ctx context.Context, parentFID fid.FID, name string, child fid.FID) error {
	parent, err := c.st.Locate(ctx, parentFID)
	if err != nil {
		return nil
	}
	if got, lookupErr := c.st.Lookup(ctx, parent, name); lookupErr == nil && got == child {
		return nil
	}
	if c.policy.DryRun {
		c.recordInconsistent(metrics.ReasonUnknownName)
		return nil
	}
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareInsert(parent) },
		func(tx store.Tx) error {
			if err := c.st.Insert(ctx, parent, name, child, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonUnknownName)
			return nil
		},
	)
}

// fixDotDot rewrites dir's ".." entry to newParent.
func (c *NamespaceChecker) fixDotDot(ctx context.Context, dir store.Object, newParent fid.FID) error {
	if c.policy.DryRun {
		c.recordInconsistent(metrics.ReasonDotDotMismatch)
		return nil
	}
	return c.withTx(ctx,
		func(tx store.Tx) { tx.DeclareInsert(dir) },
		func(tx store.Tx) error {
			if err := c.st.Insert(ctx, dir, "..", newParent, tx); err != nil {
				return err
			}
			c.recordRepaired(metrics.ReasonDotDotMismatch)
			return nil
		},
	)
}

// reconcileMultipleLinkEA implements the multiple-linkEA-entries DSD
// branch: the first entry whose parent exists and names this child
// authoritatively wins; the rest are pruned.
func (c *NamespaceChecker) reconcileMultipleLinkEA(ctx context.Context, dir store.Object, entries []linkea.Entry) error {
	var authoritative *linkea.Entry
	for i := range entries {
		e := entries[i]
		parentObj, err := c.st.Locate(ctx, e.Parent)
		if err != nil {
			continue
		}
		if child, err := c.st.Lookup(ctx, parentObj, e.Name); err == nil && child == dir.FID() {
			authoritative = &entries[i]
			break
		}
	}
	if authoritative == nil {
		return c.moveToLostFound(ctx, dir)
	}
	if c.policy.DryRun {
		c.recordInconsistent(metrics.ReasonLinkEA)
		return nil
	}

	dotdot, _ := c.st.Lookup(ctx, dir, "..")
	fixDotDot := dotdot != authoritative.Parent
	return c.withTx(ctx,
		func(tx store.Tx) {
			tx.DeclareXattrSet(dir, store.XattrLink)
			if fixDotDot {
				tx.DeclareInsert(dir)
			}
		},
		func(tx store.Tx) error {
			if err := c.st.XattrSet(ctx, dir, store.XattrLink, linkea.Encode([]linkea.Entry{*authoritative}), store.XattrReplace, tx); err != nil {
				return err
			}
			if fixDotDot {
				if err := c.st.Insert(ctx, dir, "..", authoritative.Parent, tx); err != nil {
					return err
				}
			}
			c.recordRepaired(metrics.ReasonLinkEA)
			return nil
		},
	)
}
