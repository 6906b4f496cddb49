// Package checker implements the three concrete checkers the spec
// names: the layout checker's master and slave roles (§4.5-§4.6) and
// the namespace checker (§4.7-§4.8). Each satisfies engine.Checker so
// the ScanEngine can drive exec_oit/exec_dir against it, and each owns
// a pipeline.Pipeline assistant that does the actual verify/repair
// work off the scan thread (§4.3).
package checker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sdsc/lfsck/internal/lfsck/lockmgr"
	"github.com/sdsc/lfsck/internal/lfsck/metrics"
	"github.com/sdsc/lfsck/internal/lfsck/peer"
	"github.com/sdsc/lfsck/internal/lfsck/pipeline"
	"github.com/sdsc/lfsck/internal/lfsck/registry"
	"github.com/sdsc/lfsck/internal/lfsck/store"
	"github.com/sdsc/lfsck/internal/lfsck/tracingfile"
)

// Policy bundles the operator-supplied run flags (§6.4 "policy flags").
type Policy struct {
	Failout      bool
	DryRun       bool
	AllTargets   bool
	Reset        bool
	CreateMDTObj bool
	Broadcast    bool

	// DropDryRun asks the next start() to resume past any position a
	// prior dry-run pass merely flagged rather than repaired, so the
	// repairing pass actually revisits it (§4.9 "drop_dryrun").
	DropDryRun bool
}

// Base holds the collaborators and bookkeeping shared by every checker
// implementation: the object store, lock manager, target registry, an
// assistant pipeline, the tracing-file flag set, metrics, and the
// peer coordinator. Concrete checkers embed Base and add their
// exec_oit/exec_dir/handle_p1/handle_p2 logic.
type Base struct {
	name    string
	st      store.Store
	lm      lockmgr.LockMgr
	reg     *registry.Registry
	pipe    *pipeline.Pipeline
	trace   *tracingfile.File
	metrics *metrics.Metrics
	coord   *peer.Coordinator
	policy  Policy

	mu             sync.Mutex
	postResult     int
	inDoubleScan   bool
	doubleScanList bool
	dryRunHit      bool
}

// NewBase constructs the shared Base for a checker named name.
func NewBase(name string, st store.Store, lm lockmgr.LockMgr, reg *registry.Registry, pipe *pipeline.Pipeline, trace *tracingfile.File, m *metrics.Metrics, coord *peer.Coordinator, policy Policy, onDoubleScanList bool) Base {
	return Base{
		name:           name,
		st:             st,
		lm:             lm,
		reg:            reg,
		pipe:           pipe,
		trace:          trace,
		metrics:        m,
		coord:          coord,
		policy:         policy,
		doubleScanList: onDoubleScanList,
	}
}

// SetPipeline wires b's assistant pipeline after construction, letting
// a controller build the pipeline around the checker's own Fetch
// method (which needs a *Base to exist first) rather than requiring a
// two-phase constructor on every concrete checker.
func (b *Base) SetPipeline(p *pipeline.Pipeline) { b.pipe = p }

// SetPolicy replaces b's policy flags, e.g. when a controller's start()
// call supplies a fresh set for this run (§6.4).
func (b *Base) SetPolicy(p Policy) { b.policy = p }

// Name implements engine.Checker.
func (b *Base) Name() string { return b.name }

// Failout implements engine.Checker.
func (b *Base) Failout() bool { return b.policy.Failout }

// InDoubleScanList implements engine.Checker.
func (b *Base) InDoubleScanList() bool { return b.doubleScanList }

// PipelinePending implements engine.Checker: the number of this
// checker's assistant-pipeline requests still in flight (0 if b has no
// pipeline, e.g. the co-located layout slave). The engine uses this to
// hold a checkpoint until req_list has actually drained (§4.3).
func (b *Base) PipelinePending() int {
	if b.pipe == nil {
		return 0
	}
	_, _, pending := b.pipe.Stats()
	return pending
}

// markDryRunHit records that the current exec_oit/handle_p1 call found
// a policy.DryRun-gated inconsistency (§4.9 pos_first_inconsistent).
func (b *Base) markDryRunHit() {
	b.mu.Lock()
	b.dryRunHit = true
	b.mu.Unlock()
}

// ConsumeDryRunHit implements engine.Checker.
func (b *Base) ConsumeDryRunHit() bool {
	b.mu.Lock()
	hit := b.dryRunHit
	b.dryRunHit = false
	b.mu.Unlock()
	return hit
}

// peerWaitPoll is the QUERY re-poll cadence WaitPeersReady uses while a
// peer hasn't yet reported PHASE1_DONE (§4.3 step 5, "every 30s").
const peerWaitPoll = 30 * time.Second

// WaitPeersReady implements engine.Checker: it blocks until every peer
// this checker registered for phase-1 has reported PHASE1_DONE, so the
// engine doesn't call EnterDoubleScan while a peer is still mid
// phase-1 (§4.4 "Phase-2 entry requires that all peers have reported
// PHASE1_DONE"). A checker with no coordinator (e.g. a standalone
// single-node run) has nothing to wait for.
func (b *Base) WaitPeersReady(ctx context.Context) error {
	if b.coord == nil {
		return nil
	}
	return b.coord.WaitReady(ctx, b.name, peerWaitPoll)
}

// Post implements engine.Checker: records the phase-1 result and
// notifies peers PHASE1_DONE or STOP (§4.3 step 4).
func (b *Base) Post(ctx context.Context, result int) error {
	b.mu.Lock()
	b.postResult = result
	b.mu.Unlock()

	if b.coord == nil {
		return nil
	}
	if result > 0 {
		b.coord.OnPhase1Done(0)
	} else {
		b.coord.Stop(ctx, b.name, 0)
	}
	return nil
}

// recordChecked/recordRepaired/recordFailed are thin metrics wrappers
// concrete checkers call from their handle_p1 logic; m may be nil in
// tests that don't wire metrics.
func (b *Base) recordChecked() {
	if b.metrics != nil {
		b.metrics.RecordChecked(b.name)
	}
}

func (b *Base) recordRepaired(reason string) {
	if b.metrics != nil {
		b.metrics.RecordRepaired(b.name, reason)
	}
}

func (b *Base) recordFailed() {
	if b.metrics != nil {
		b.metrics.RecordFailed(b.name)
	}
}

// withTx runs declare, then start, then act, then commit (§4.8 "Every
// mutation is wrapped in: declare → start → lock → re-read → act →
// commit"). declare records every record act intends to touch that's
// knowable before the transaction starts; act may still Declare* an
// object Create produces, since that object has no identity until
// act runs. Dropping the Tx without committing rolls back, so any
// error from act simply propagates without a defer-based Commit.
func (b *Base) withTx(ctx context.Context, declare func(tx store.Tx), act func(tx store.Tx) error) error {
	tx, err := b.st.TransCreate(ctx)
	if err != nil {
		return errors.Wrap(err, "trans_create")
	}
	if declare != nil {
		declare(tx)
	}
	if err := tx.Start(ctx); err != nil {
		return errors.Wrap(err, "trans_start")
	}
	if err := act(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ErrNotSupported is returned for a layout pattern other than RAID0
// (§4.5 step 4).
var ErrNotSupported = errors.New("checker: unsupported layout pattern")
