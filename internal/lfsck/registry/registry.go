// Package registry implements TgtRegistry: the bitmap-indexed table of
// peer MDT/OST descriptors (§3.3), adapted from the refcounted upstream
// wrapper in backend/union/upstream — each TgtDesc plays the role that
// upstream.Fs played for a union remote, but describes a peer target
// rather than wrapping a remote filesystem.
package registry

import (
	"sync"
	"sync/atomic"
)

// TgtDesc describes one peer MDT or OST (§3.3). Index is stable for the
// descriptor's lifetime. The registry sets and clears its bitmap bit at
// Index under the registry lock (§3.4 invariant); a descriptor removed
// while still referenced loses its bit but stays in the table, marked
// dead.
type TgtDesc struct {
	Index uint16

	mu             sync.Mutex
	dead           bool
	layoutDone     bool
	namespaceDone  bool
	layoutGen      uint32
	namespaceGen   uint32
	refcount       int32
}

// Dead reports whether this target has been deregistered.
func (d *TgtDesc) Dead() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dead
}

// LayoutDone reports whether this target reported PHASE1_DONE for the
// layout checker.
func (d *TgtDesc) LayoutDone() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.layoutDone
}

// SetLayoutDone marks phase-1 complete for the layout checker on this
// target, bumping its generation so QUERY polling can detect staleness.
func (d *TgtDesc) SetLayoutDone(done bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.layoutDone = done
	d.layoutGen++
}

// LayoutGen returns the current layout-phase generation counter.
func (d *TgtDesc) LayoutGen() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.layoutGen
}

// NamespaceDone reports whether this target reported PHASE1_DONE for
// the namespace checker.
func (d *TgtDesc) NamespaceDone() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.namespaceDone
}

// SetNamespaceDone marks phase-1 complete for the namespace checker.
func (d *TgtDesc) SetNamespaceDone(done bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.namespaceDone = done
	d.namespaceGen++
}

// addRef increments the descriptor's own refcount so that a reader can
// release the registry lock before using the descriptor (§5 "Shared
// resources").
func (d *TgtDesc) addRef() { atomic.AddInt32(&d.refcount, 1) }

// Release decrements the descriptor's refcount. It does not free a dead
// descriptor when the count reaches zero; only Remove deletes table
// entries.
func (d *TgtDesc) Release() { atomic.AddInt32(&d.refcount, -1) }

func (d *TgtDesc) refs() int32 { return atomic.LoadInt32(&d.refcount) }

// Registry is the bitmap-indexed table of TgtDesc, one per peer
// MDT/OST. Reads walk the bitmap under a read-lock and addRef each
// descriptor before releasing the lock; writers (Add/Remove) take the
// write-lock (§5 "Shared resources": "read-mostly; add/remove under
// write-lock; readers hold read-lock while walking the bitmap").
type Registry struct {
	mu      sync.RWMutex
	byIndex map[uint16]*TgtDesc
	bitmap  map[uint16]bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byIndex: make(map[uint16]*TgtDesc),
		bitmap:  make(map[uint16]bool),
	}
}

// Add registers a new target at index, or clears the dead flag and sets
// the bitmap bit again if one is already present at that index
// (re-registration after a transient deregistration); the refcount is
// left unchanged.
func (r *Registry) Add(index uint16) *TgtDesc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byIndex[index]; ok {
		d.mu.Lock()
		d.dead = false
		d.mu.Unlock()
		r.bitmap[index] = true
		return d
	}
	d := &TgtDesc{Index: index}
	r.byIndex[index] = d
	r.bitmap[index] = true
	return d
}

// Remove marks index as dead and clears its bitmap bit under the
// write-lock, and deletes the descriptor from the table only if its
// refcount is already zero (§3.3 lifecycle). A descriptor still
// referenced at that moment stays in the table, marked dead.
func (r *Registry) Remove(index uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byIndex[index]
	if !ok {
		return
	}
	d.mu.Lock()
	d.dead = true
	d.mu.Unlock()
	delete(r.bitmap, index)
	if d.refs() == 0 {
		delete(r.byIndex, index)
	}
}

// Get returns the descriptor for index, incrementing its refcount so
// the caller may use it after releasing the registry's own lock.
// Callers must call Release when done.
func (r *Registry) Get(index uint16) (*TgtDesc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byIndex[index]
	if !ok {
		return nil, false
	}
	d.addRef()
	return d, true
}

// Walk calls fn for every bit currently set in the bitmap, in index
// order, holding only a read-lock for the duration of the walk itself
// (each descriptor is ref-counted before fn is invoked).
func (r *Registry) Walk(fn func(*TgtDesc)) {
	r.mu.RLock()
	indices := make([]uint16, 0, len(r.bitmap))
	for idx := range r.bitmap {
		indices = append(indices, idx)
	}
	descs := make([]*TgtDesc, 0, len(indices))
	for _, idx := range indices {
		d := r.byIndex[idx]
		d.addRef()
		descs = append(descs, d)
	}
	r.mu.RUnlock()

	sortUint16Paired(indices, descs)
	for _, d := range descs {
		fn(d)
		d.Release()
	}
}

// Count returns the number of live (bitmap-set) targets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bitmap)
}

func sortUint16Paired(keys []uint16, vals []*TgtDesc) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
			vals[j], vals[j-1] = vals[j-1], vals[j]
		}
	}
}
