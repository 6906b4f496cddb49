package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

// memObject is the in-memory Object handle.
type memObject struct {
	f fid.FID
}

func (o *memObject) FID() fid.FID   { return o.f }
func (o *memObject) String() string { return o.f.String() }

type memEntry struct {
	attr   Attr
	xattrs map[string][]byte
	dirent map[string]fid.FID // only populated when attr.Type == TypeDirectory
}

// MemStore is a simple, single-process, mutex-guarded implementation of
// Store, used by every other package's tests and by the controller's
// own unit tests. It is not meant for production use: all state lives
// in a Go map and every change is applied at the call that makes it,
// before Commit, with no rollback, matching the spirit (not the
// durability) of the real object device.
type MemStore struct {
	mu      sync.Mutex
	objects map[fid.FID]*memEntry
	oitKeys []fid.FID // kept sorted; simulates OIT order
	nextOid uint32
	seq     uint64
}

// NewMemStore creates an empty in-memory store. All created objects
// live under the given default sequence unless a caller asks for a
// specific FID via Locate-then-CreateAt.
func NewMemStore(seq uint64) *MemStore {
	return &MemStore{
		objects: make(map[fid.FID]*memEntry),
		seq:     seq,
	}
}

// memTx accumulates declared intents; MemStore applies them immediately
// at the point of the act (Put/XattrSet/etc. call sites below), so Tx
// here is mostly bookkeeping that mirrors the source's declare/start
// shape without a real undo log.
type memTx struct {
	started bool
}

func (t *memTx) DeclareXattrSet(Object, string) Tx { return t }
func (t *memTx) DeclareRecordWrite(Object) Tx       { return t }
func (t *memTx) DeclareInsert(Object) Tx            { return t }
func (t *memTx) DeclareDelete(Object) Tx            { return t }
func (t *memTx) DeclareCreate() Tx                  { return t }
func (t *memTx) DeclareDestroy(Object) Tx           { return t }
func (t *memTx) Start(context.Context) error        { t.started = true; return nil }
func (t *memTx) Commit(context.Context) error       { return nil }

// TransCreate implements Store.
func (m *MemStore) TransCreate(context.Context) (Tx, error) {
	return &memTx{}, nil
}

// Locate implements Store.
func (m *MemStore) Locate(_ context.Context, f fid.FID) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[f]; !ok {
		return nil, ErrNotFound
	}
	return &memObject{f: f}, nil
}

// PutDirect inserts an object directly, bypassing transactions; used by
// tests to seed fixtures.
func (m *MemStore) PutDirect(f fid.FID, a Attr) Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[f] = &memEntry{attr: a, xattrs: map[string][]byte{}, dirent: map[string]fid.FID{}}
	m.insertOITLocked(f)
	return &memObject{f: f}
}

func (m *MemStore) insertOITLocked(f fid.FID) {
	i := 0
	for ; i < len(m.oitKeys); i++ {
		if f.Less(m.oitKeys[i]) {
			break
		}
	}
	m.oitKeys = append(m.oitKeys, fid.FID{})
	copy(m.oitKeys[i+1:], m.oitKeys[i:])
	m.oitKeys[i] = f
}

// AttrGet implements Store.
func (m *MemStore) AttrGet(_ context.Context, o Object) (Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[o.FID()]
	if !ok {
		return Attr{}, ErrNotFound
	}
	return e.attr, nil
}

// AttrSet implements Store.
func (m *MemStore) AttrSet(_ context.Context, o Object, a Attr, _ Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[o.FID()]
	if !ok {
		return ErrNotFound
	}
	e.attr = a
	return nil
}

// XattrGet implements Store.
func (m *MemStore) XattrGet(_ context.Context, o Object, name string, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[o.FID()]
	if !ok {
		return 0, ErrNotFound
	}
	v, ok := e.xattrs[name]
	if !ok {
		return 0, ErrNoData
	}
	if len(buf) < len(v) {
		return len(v), ErrRange
	}
	return copy(buf, v), nil
}

// XattrSet implements Store.
func (m *MemStore) XattrSet(_ context.Context, o Object, name string, value []byte, flag XattrFlag, _ Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[o.FID()]
	if !ok {
		return ErrNotFound
	}
	_, exists := e.xattrs[name]
	if flag == XattrCreate && exists {
		return ErrExists
	}
	cp := append([]byte{}, value...)
	e.xattrs[name] = cp
	return nil
}

// XattrDel implements Store.
func (m *MemStore) XattrDel(_ context.Context, o Object, name string, _ Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[o.FID()]
	if !ok {
		return ErrNotFound
	}
	delete(e.xattrs, name)
	return nil
}

// Lookup implements Store.
func (m *MemStore) Lookup(_ context.Context, dir Object, name string) (fid.FID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[dir.FID()]
	if !ok {
		return fid.FID{}, ErrNotFound
	}
	f, ok := e.dirent[name]
	if !ok {
		return fid.FID{}, ErrNotFound
	}
	return f, nil
}

// Insert implements Store.
func (m *MemStore) Insert(_ context.Context, dir Object, name string, child fid.FID, _ Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[dir.FID()]
	if !ok {
		return ErrNotFound
	}
	e.dirent[name] = child
	return nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, dir Object, name string, _ Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[dir.FID()]
	if !ok {
		return ErrNotFound
	}
	delete(e.dirent, name)
	return nil
}

// RefAdd implements Store.
func (m *MemStore) RefAdd(_ context.Context, o Object, _ Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[o.FID()]
	if !ok {
		return ErrNotFound
	}
	e.attr.Nlink++
	return nil
}

// RefDel implements Store.
func (m *MemStore) RefDel(_ context.Context, o Object, _ Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[o.FID()]
	if !ok {
		return ErrNotFound
	}
	if e.attr.Nlink > 0 {
		e.attr.Nlink--
	}
	return nil
}

// Create implements Store. A non-zero hint is honored verbatim, the
// way repairDangling must materialize an object at the exact FID a
// stripe already names; a zero hint allocates a fresh FID under the
// store's default sequence.
func (m *MemStore) Create(_ context.Context, a Attr, hint fid.FID, _ Tx) (Object, error) {
	f := hint
	if f.IsZero() {
		oid := atomic.AddUint32(&m.nextOid, 1)
		f = fid.FID{Seq: m.seq, Oid: oid}
	}
	m.mu.Lock()
	m.objects[f] = &memEntry{attr: a, xattrs: map[string][]byte{}, dirent: map[string]fid.FID{}}
	m.insertOITLocked(f)
	m.mu.Unlock()
	return &memObject{f: f}, nil
}

// CreateAt creates an object at an explicit FID, used when a repair
// path must materialize a specific object (e.g. a dangling OST object
// whose FID is dictated by the stripe it covers).
func (m *MemStore) CreateAt(f fid.FID, a Attr) Object {
	return m.PutDirect(f, a)
}

// Destroy implements Store.
func (m *MemStore) Destroy(_ context.Context, o Object, _ Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, o.FID())
	return nil
}

// RecordWrite implements Store: appends/overwrites a pseudo-record
// buffer stored under the reserved xattr name "record".
func (m *MemStore) RecordWrite(_ context.Context, o Object, buf []byte, offset int64, _ Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[o.FID()]
	if !ok {
		return ErrNotFound
	}
	cur := e.xattrs["record"]
	need := int(offset) + len(buf)
	if len(cur) < need {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[offset:], buf)
	e.xattrs["record"] = cur
	return nil
}

// RecordRead implements Store.
func (m *MemStore) RecordRead(_ context.Context, o Object, buf []byte, offset int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[o.FID()]
	if !ok {
		return 0, ErrNotFound
	}
	cur := e.xattrs["record"]
	if int(offset) >= len(cur) {
		return 0, nil
	}
	return copy(buf, cur[offset:]), nil
}

// sliceIterator implements Iterator, for both directories and the OIT,
// over the in-memory
// snapshot taken at Load time.
type sliceIterator struct {
	entries []DirEntry
	pos     int
}

func (it *sliceIterator) Load(_ context.Context, cookie uint64) error {
	for i, e := range it.entries {
		if e.Cookie >= cookie {
			it.pos = i
			return nil
		}
	}
	it.pos = len(it.entries)
	return nil
}

func (it *sliceIterator) Next(context.Context) (DirEntry, error) {
	if it.pos >= len(it.entries) {
		return DirEntry{}, ErrEndOfIter
	}
	e := it.entries[it.pos]
	it.pos++
	return e, nil
}

func (it *sliceIterator) Put() {}

// IndexIterInit implements Store: returns entries in lexicographic name
// order with a synthetic, stable cookie.
func (m *MemStore) IndexIterInit(_ context.Context, o Object, _ int) (Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[o.FID()]
	if !ok {
		return nil, ErrNotFound
	}
	names := make([]string, 0, len(e.dirent))
	for n := range e.dirent {
		names = append(names, n)
	}
	sort.Strings(names)
	entries := make([]DirEntry, len(names))
	for i, n := range names {
		entries[i] = DirEntry{Name: n, Child: e.dirent[n], Type: TypeRegular, Cookie: uint64(i)}
	}
	return &sliceIterator{entries: entries}, nil
}

// OITIterInit implements Store: walks every locally stored object in
// ascending FID order, the local analogue of the on-disk OIT.
func (m *MemStore) OITIterInit(_ context.Context) (Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]DirEntry, len(m.oitKeys))
	for i, f := range m.oitKeys {
		entries[i] = DirEntry{Child: f, Cookie: uint64(i)}
	}
	return &sliceIterator{entries: entries}, nil
}

