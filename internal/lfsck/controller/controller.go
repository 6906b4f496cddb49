// Package controller implements the Controller (§2, §6.4): the owner
// of one Store handle, one TgtRegistry, one AssistantPipeline per
// registered checker, and the set of Checker instances. It exposes the
// control contract (start/stop/query/dump/get_speed/set_speed/
// add_target/del_target/in_notify) that cmd/lfsck drives.
//
// This build co-locates the MDT-side (layout master + namespace) and
// one OST-side (layout slave) role in a single process sharing one
// Store, the same simplification internal/lfsck/checker's own tests
// use (layout_slave_test.go's TestLayoutMasterDrainsRegisteredSlaves):
// a real deployment would run the slave role on each OST as a separate
// process reachable through peer.Transport, but the control contract
// and phase-transition logic are identical either way.
package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sdsc/lfsck/internal/lfsck/checker"
	"github.com/sdsc/lfsck/internal/lfsck/checkpoint"
	"github.com/sdsc/lfsck/internal/lfsck/engine"
	"github.com/sdsc/lfsck/internal/lfsck/fld"
	"github.com/sdsc/lfsck/internal/lfsck/lockmgr"
	"github.com/sdsc/lfsck/internal/lfsck/log"
	"github.com/sdsc/lfsck/internal/lfsck/metrics"
	"github.com/sdsc/lfsck/internal/lfsck/peer"
	"github.com/sdsc/lfsck/internal/lfsck/pipeline"
	"github.com/sdsc/lfsck/internal/lfsck/registry"
	"github.com/sdsc/lfsck/internal/lfsck/store"
	"github.com/sdsc/lfsck/internal/lfsck/tracingfile"
)

// drainResults is the consumer for name's assistant pipeline results
// (§4.3 "post_result"): without one, prefetch workers block forever on
// a full results channel once queueDepth completions accumulate, which
// in turn blocks Submit and hangs the engine's exec_oit/exec_dir (the
// same uploadQueue-draining role backgroundUploader plays in
// backend/raid3/heal.go).
func drainResults(ctx context.Context, p *pipeline.Pipeline, name string) {
	for {
		select {
		case res, ok := <-p.Results():
			if !ok {
				return
			}
			p.MarkConsumed()
			if res.Err != nil {
				log.Errorf(name, "assistant fetch failed for %v: %v", res.Request.FID, res.Err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// startPeers sends START to every registered peer target for each
// enabled component, registering them on the matching coordinator's
// phase1_list so the engine's later WaitPeersReady barrier has someone
// real to wait for (§4.4). Without this, phase1_list stays empty and
// the phase-2 barrier is always trivially satisfied.
func (c *Controller) startPeers(ctx context.Context, components Component) {
	c.reg.Walk(func(d *registry.TgtDesc) {
		if components&ComponentLayout != 0 {
			if err := c.coordLayout.Start(ctx, d.Index, checkerLayout); err != nil {
				log.Errorf("controller", "layout peer start for target %d failed: %v", d.Index, err)
			}
		}
		if components&ComponentNamespace != 0 {
			if err := c.coordNS.Start(ctx, d.Index, checkerNamespace); err != nil {
				log.Errorf("controller", "namespace peer start for target %d failed: %v", d.Index, err)
			}
		}
	})
}

// Component is the bitmask naming which checkers a start() call enables
// (§6.4 "component bitmask (LAYOUT, NAMESPACE)").
type Component uint8

// Component bits.
const (
	ComponentLayout Component = 1 << iota
	ComponentNamespace
)

const (
	checkerLayout    = "layout"
	checkerNamespace = "namespace"
)

// Config wires a Controller's collaborators at construction time.
type Config struct {
	Store           store.Store
	Registry        *registry.Registry
	LockMgr         lockmgr.LockMgr
	Checkpoints     *checkpoint.Store
	LayoutTrace     *tracingfile.File
	NamespaceTrace  *tracingfile.File
	Metrics         *metrics.Metrics
	FLD             *fld.DB // nil for a single-MDT deployment
	Bus             *peer.Bus
	OstIndex        uint16 // this node's local OST index, for the co-located layout slave
}

// Controller is the Controller (§2).
type Controller struct {
	st   store.Store
	reg  *registry.Registry
	ckpt *checkpoint.Store
	bus  *peer.Bus

	coordLayout *peer.Coordinator
	coordNS     *peer.Coordinator

	layoutMaster *checker.LayoutMaster
	layoutSlave  *checker.LayoutSlave
	namespace    *checker.NamespaceChecker

	pipeLayout *pipeline.Pipeline
	pipeNS     *pipeline.Pipeline

	mu      sync.Mutex
	eng     *engine.Engine
	pipeCtl *errgroup.Group
	pipeCancel context.CancelFunc
	components Component
	running    bool
}

// New builds a Controller from cfg, wiring one LayoutMaster, one
// co-located LayoutSlave, and one NamespaceChecker against the same
// Store, Registry and LockMgr (§2 "owns ... the set of Checker
// instances").
func New(cfg Config) *Controller {
	bus := cfg.Bus
	if bus == nil {
		// A standalone run still needs a valid Transport for its
		// Coordinators; an unconnected in-process Bus answers "no
		// handler registered" rather than panicking on a nil Transport.
		bus = peer.NewBus()
	}

	c := &Controller{
		st:          cfg.Store,
		reg:         cfg.Registry,
		ckpt:        cfg.Checkpoints,
		bus:         bus,
		coordLayout: peer.NewCoordinator(bus),
		coordNS:     peer.NewCoordinator(bus),
	}

	policy := checker.Policy{}

	layoutBase := checker.NewBase(checkerLayout, cfg.Store, cfg.LockMgr, cfg.Registry, nil, cfg.LayoutTrace, cfg.Metrics, c.coordLayout, policy, true)
	c.layoutMaster = checker.NewLayoutMaster(layoutBase)
	c.pipeLayout = pipeline.New(4, 256, c.layoutMaster.Fetch)
	c.layoutMaster.SetPipeline(c.pipeLayout)

	slaveBase := checker.NewBase(fmt.Sprintf("%s-slave-%d", checkerLayout, cfg.OstIndex), cfg.Store, cfg.LockMgr, cfg.Registry, nil, cfg.LayoutTrace, cfg.Metrics, c.coordLayout, policy, true)
	c.layoutSlave = checker.NewLayoutSlave(slaveBase, cfg.OstIndex, bus)
	c.layoutMaster.AddSlave(c.layoutSlave)

	nsBase := checker.NewBase(checkerNamespace, cfg.Store, cfg.LockMgr, cfg.Registry, nil, cfg.NamespaceTrace, cfg.Metrics, c.coordNS, policy, true)
	c.namespace = checker.NewNamespaceChecker(nsBase, cfg.FLD)
	c.pipeNS = pipeline.New(4, 256, c.namespace.Fetch)
	c.namespace.SetPipeline(c.pipeNS)

	return c
}

// StartParams bundles the start() arguments (§6.4).
type StartParams struct {
	Components    Component
	Policy        checker.Policy
	SpeedLimit    int
	StartPosition uint64 // 0 means "let Prep compute it from checkpoints"
}

// Start implements the §6.4 start() operation: it rebuilds the
// checker set's policy, runs the assistant pipelines, and spawns the
// ScanEngine over the selected components.
func (c *Controller) Start(ctx context.Context, p StartParams) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("controller: already running")
	}
	c.mu.Unlock()

	c.layoutMaster.SetPolicy(p.Policy)
	c.layoutSlave.SetPolicy(p.Policy)
	c.namespace.SetPolicy(p.Policy)

	var checkers []engine.Checker
	if p.Components&ComponentLayout != 0 {
		checkers = append(checkers, c.layoutMaster, c.layoutSlave)
	}
	if p.Components&ComponentNamespace != 0 {
		checkers = append(checkers, c.namespace)
	}
	if len(checkers) == 0 {
		return errors.New("controller: start() requires at least one component")
	}

	if p.Policy.Reset {
		for _, name := range []string{checkerLayout, checkerNamespace} {
			if err := c.ckpt.Reset(name); err != nil {
				return errors.Wrapf(err, "reset checkpoint for %q", name)
			}
		}
	}

	pipeCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(pipeCtx)
	if p.Components&ComponentLayout != 0 {
		g.Go(func() error { return c.pipeLayout.Run(gctx) })
		g.Go(func() error { drainResults(gctx, c.pipeLayout, checkerLayout); return nil })
	}
	if p.Components&ComponentNamespace != 0 {
		g.Go(func() error { return c.pipeNS.Run(gctx) })
		g.Go(func() error { drainResults(gctx, c.pipeNS, checkerNamespace); return nil })
	}

	c.startPeers(ctx, p.Components)

	eng := engine.New(engine.Config{
		Store:       c.st,
		Checkpoints: c.ckpt,
		Checkers:    checkers,
		SpeedLimit:  p.SpeedLimit,
	})
	if err := eng.Prep(ctx, p.Policy.DropDryRun); err != nil {
		cancel()
		return errors.Wrap(err, "prep")
	}
	if p.StartPosition != 0 {
		eng.SetPos(p.StartPosition)
	}
	if err := eng.Run(ctx); err != nil {
		cancel()
		return errors.Wrap(err, "run")
	}

	c.mu.Lock()
	c.eng = eng
	c.pipeCtl = g
	c.pipeCancel = cancel
	c.components = p.Components
	c.running = true
	c.mu.Unlock()
	return nil
}

// Stop implements the §6.4 stop() operation: it stops the engine (an OIT
// sweep still in progress exits without running Post or phase 2),
// broadcasts STOP on both coordinators, tears down the assistant
// pipelines, and then saves StatusStopped in the checkpoint record of
// every checker the run included.
func (c *Controller) Stop(ctx context.Context, status int) error {
	c.mu.Lock()
	eng, pipeLayout, pipeNS, cancel, pipeCtl, components := c.eng, c.pipeLayout, c.pipeNS, c.pipeCancel, c.pipeCtl, c.components
	c.running = false
	c.mu.Unlock()

	if eng == nil {
		return nil
	}
	eng.Stop()

	c.coordLayout.Stop(ctx, checkerLayout, status)
	c.coordNS.Stop(ctx, checkerNamespace, status)

	var names []string
	if components&ComponentLayout != 0 {
		pipeLayout.Stop()
		names = append(names, c.layoutMaster.Name(), c.layoutSlave.Name())
	}
	if components&ComponentNamespace != 0 {
		pipeNS.Stop()
		names = append(names, c.namespace.Name())
	}
	cancel()
	if pipeCtl != nil {
		_ = pipeCtl.Wait()
	}
	for _, name := range names {
		rec, err := c.ckpt.Load(name)
		if err == nil {
			rec.Status = checkpoint.StatusStopped
			err = c.ckpt.Save(name, rec)
		}
		if err != nil {
			return errors.Wrapf(err, "stop: saving status for %q", name)
		}
	}
	return nil
}

// Query implements the §6.4 query(type) operation, returning the
// persisted Record for the named component ("layout" or "namespace").
func (c *Controller) Query(component string) (checkpoint.Record, error) {
	return c.ckpt.Load(component)
}

// Dump implements the §6.4 dump(type) operation: a human-readable
// rendering of the named component's checkpoint counters and position.
func (c *Controller) Dump(component string) (string, error) {
	rec, err := c.ckpt.Load(component)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"component=%s status=%s position=%s checked=%d repaired=%d failed=%d success_count=%d",
		component, rec.Status, rec.Position, rec.ItemsChecked, rec.ItemsRepaired, rec.ItemsFailed, rec.SuccessCount,
	), nil
}

// GetSpeed implements the §6.4 get_speed() operation.
func (c *Controller) GetSpeed() int {
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	if eng == nil {
		return 0
	}
	return eng.GetSpeed()
}

// SetSpeed implements the §6.4 set_speed(limit) operation.
func (c *Controller) SetSpeed(limit int) {
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	if eng != nil {
		eng.SetSpeed(limit)
	}
}

// AddTarget implements the §6.4 add_target(desc, is_osc) operation:
// registers a peer MDT/OST index in the TgtRegistry. isOSC is accepted
// but not used: the registry keeps MDT and OST targets in one table,
// and nothing is registered with the FLD.
func (c *Controller) AddTarget(index uint16, isOSC bool) {
	c.reg.Add(index)
}

// DelTarget implements the §6.4 del_target(desc, is_osc) operation.
func (c *Controller) DelTarget(index uint16, isOSC bool) {
	c.reg.Remove(index)
}

// InNotify implements the §6.4 in_notify(LfsckRequest) operation: routes
// an incoming peer Notification to the coordinator for the checker it
// names.
func (c *Controller) InNotify(ctx context.Context, n peer.Notification) peer.Reply {
	var coord *peer.Coordinator
	switch n.Checker {
	case checkerLayout:
		coord = c.coordLayout
	case checkerNamespace:
		coord = c.coordNS
	default:
		return peer.Reply{Status: 0, Err: errors.Errorf("controller: unknown checker %q", n.Checker)}
	}

	switch n.Event {
	case peer.EventPhase1Done:
		coord.OnPhase1Done(n.Origin)
	case peer.EventPhase2Done:
		coord.OnPhase2Done(n.Origin)
	case peer.EventPeerExit:
		coord.OnPeerExit(n.Origin)
	case peer.EventQuery:
		// handled by the sender's own coordinator via ReadyForPhase2;
		// nothing to do on the receiving side beyond acking.
	default:
		return peer.Reply{Status: 0, Err: errors.Errorf("controller: unhandled event %s", n.Event)}
	}
	return peer.Reply{Status: 1}
}
