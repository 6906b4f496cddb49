// Package peer implements the cross-server notification contract
// (§4.4): asynchronous RPC-style events a node's assistant sends to a
// configured target set, and the coordinator-side bookkeeping that
// tracks each peer's phase.
//
// The wire shape (an event kind plus a small argument bag, sent
// async with a reply channel) follows the same call/response-over-a-
// channel idiom internal/lfsck/lockmgr and internal/lfsck/pipeline
// already use for the core's other cross-goroutine calls; no RPC
// source survived distillation into the retrieval pack's rclone
// fs/rc (only its tests did), so this package's transport is grounded
// on that established in-module idiom rather than copied rclone code.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

// Event is a peer-notification kind (§4.4 table).
type Event int

// Notification events.
const (
	EventStart Event = iota
	EventPhase1Done
	EventPhase2Done
	EventStop
	EventPeerExit
	EventQuery
	EventFIDAccessed
	EventSetLMVMaster
	EventSetLMVSlave
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "START"
	case EventPhase1Done:
		return "PHASE1_DONE"
	case EventPhase2Done:
		return "PHASE2_DONE"
	case EventStop:
		return "STOP"
	case EventPeerExit:
		return "PEER_EXIT"
	case EventQuery:
		return "QUERY"
	case EventFIDAccessed:
		return "FID_ACCESSED"
	case EventSetLMVMaster:
		return "SET_LMV_MASTER"
	case EventSetLMVSlave:
		return "SET_LMV_SLAVE"
	default:
		return "UNKNOWN"
	}
}

// Notification is one async RPC sent between nodes.
type Notification struct {
	Event   Event
	Checker string // "layout" or "namespace"
	Origin  uint16 // sender's target index
	FID     fid.FID
	Seq     uint64 // sequence carrying the FID, for FID_ACCESSED
	Oid     uint32
	Status  int // replied status for QUERY
}

// Reply is what a handler sends back for a Notification.
type Reply struct {
	Status int
	Err    error
}

// Handler processes an incoming Notification on the receiving node.
type Handler func(ctx context.Context, n Notification) Reply

// Transport delivers a Notification to a target and returns its Reply.
// Production deployments wire this to the cluster's RPC client;
// tests and standalone single-node runs use the in-process Bus below.
type Transport interface {
	Send(ctx context.Context, target uint16, n Notification) (Reply, error)
}

// Bus is an in-process Transport connecting every node registered on
// it, used by single-node deployments and tests where peer targets are
// simply other goroutines rather than other hosts.
type Bus struct {
	mu       sync.RWMutex
	handlers map[uint16]Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[uint16]Handler)}
}

// Register installs h as the Notification handler for target.
func (b *Bus) Register(target uint16, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[target] = h
}

// Unregister removes target's handler, e.g. on PEER_EXIT.
func (b *Bus) Unregister(target uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, target)
}

// Send implements Transport.
func (b *Bus) Send(ctx context.Context, target uint16, n Notification) (Reply, error) {
	b.mu.RLock()
	h, ok := b.handlers[target]
	b.mu.RUnlock()
	if !ok {
		return Reply{}, errors.Errorf("peer: no handler registered for target %d", target)
	}
	return h(ctx, n), nil
}

// PeerPhase is a coordinator's view of one peer's current phase
// (§4.4 "phase1_list").
type PeerPhase struct {
	Target     uint16
	Gen        uint32
	Complete   bool
	Incomplete bool
}

// Coordinator tracks phase1_list/phase2_list membership and issues
// QUERY notifications to stale peers before declaring phase-2 entry
// (§4.4 "Phase-2 entry requires that all peers have reported
// PHASE1_DONE").
type Coordinator struct {
	transport Transport

	mu         sync.Mutex
	touchGen   uint32
	phase1List map[uint16]*PeerPhase
	phase2List map[uint16]*PeerPhase
}

// NewCoordinator creates a Coordinator using transport to reach peers.
func NewCoordinator(transport Transport) *Coordinator {
	return &Coordinator{
		transport:  transport,
		phase1List: make(map[uint16]*PeerPhase),
		phase2List: make(map[uint16]*PeerPhase),
	}
}

// Start adds target to phase1_list and sends it a START notification.
func (c *Coordinator) Start(ctx context.Context, target uint16, checker string) error {
	c.mu.Lock()
	c.phase1List[target] = &PeerPhase{Target: target, Gen: c.touchGen}
	c.mu.Unlock()

	_, err := c.transport.Send(ctx, target, Notification{Event: EventStart, Checker: checker, Origin: target})
	if err != nil {
		c.markIncomplete(target)
	}
	return err
}

// OnPhase1Done processes a PHASE1_DONE notification received from
// target: it moves target from phase1_list into phase2_list.
func (c *Coordinator) OnPhase1Done(target uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.phase1List, target)
	c.phase2List[target] = &PeerPhase{Target: target, Complete: false}
}

// OnPhase2Done processes a PHASE2_DONE notification from target.
func (c *Coordinator) OnPhase2Done(target uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.phase2List[target]; ok {
		p.Complete = true
	}
}

// OnPeerExit processes a PEER_EXIT notification: the peer is removed
// from both lists. No incomplete mark is recorded for it.
func (c *Coordinator) OnPeerExit(target uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.phase1List, target)
	delete(c.phase2List, target)
}

func (c *Coordinator) markIncomplete(target uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.phase1List[target]; ok {
		p.Incomplete = true
	}
	if p, ok := c.phase2List[target]; ok {
		p.Incomplete = true
	}
}

// Touch bumps the coordinator's generation counter, marking every
// currently-known peer phase as potentially stale.
func (c *Coordinator) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchGen++
}

// ReadyForPhase2 polls every peer still in phase1_list whose Gen is
// older than touch_gen with a QUERY, and reports whether phase1_list is
// now empty (§4.4 "When phase1_list becomes empty, phase-2 begins").
func (c *Coordinator) ReadyForPhase2(ctx context.Context, checker string) bool {
	c.mu.Lock()
	touchGen := c.touchGen
	stale := make([]uint16, 0, len(c.phase1List))
	for target, p := range c.phase1List {
		if p.Gen < touchGen {
			stale = append(stale, target)
		}
	}
	c.mu.Unlock()

	for _, target := range stale {
		reply, err := c.transport.Send(ctx, target, Notification{Event: EventQuery, Checker: checker, Origin: target})
		if err != nil {
			c.markIncomplete(target)
			continue
		}
		if reply.Status > 0 {
			c.OnPhase1Done(target)
		} else {
			c.mu.Lock()
			if p, ok := c.phase1List[target]; ok {
				p.Gen = touchGen
			}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.phase1List) == 0
}

// Stop broadcasts STOP to every peer in phase1_list or phase2_list with
// the given status.
func (c *Coordinator) Stop(ctx context.Context, checker string, status int) {
	c.mu.Lock()
	targets := make([]uint16, 0, len(c.phase1List)+len(c.phase2List))
	for t := range c.phase1List {
		targets = append(targets, t)
	}
	for t := range c.phase2List {
		targets = append(targets, t)
	}
	c.mu.Unlock()

	for _, target := range targets {
		_, _ = c.transport.Send(ctx, target, Notification{Event: EventStop, Checker: checker, Status: status})
	}
}

// NotifyFIDAccessed sends FID_ACCESSED to the slave owning seq/oid
// (layout-master → layout-slave, §4.4).
func (c *Coordinator) NotifyFIDAccessed(ctx context.Context, target uint16, seq uint64, oid uint32) error {
	_, err := c.transport.Send(ctx, target, Notification{
		Event: EventFIDAccessed,
		Seq:   seq,
		Oid:   oid,
	})
	return err
}

// WaitReady polls ReadyForPhase2 until it returns true or ctx is
// cancelled, sleeping interval between polls — the assistant's "every
// 30s pull peer status via QUERY" cadence (§4.3 step 5).
func (c *Coordinator) WaitReady(ctx context.Context, checker string, interval time.Duration) error {
	for {
		if c.ReadyForPhase2(ctx, checker) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
