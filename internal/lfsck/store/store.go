// Package store defines the Store interface consumed by the LFSCK
// core (§6.1): the abstract transactional object store the engine and
// checkers run against. Production builds wire this to the real
// metadata/object device; this package also ships an in-memory
// reference implementation used by every other package's tests.
package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

// Sentinel errors returned by Store methods, analogous to errno values
// in the source (ENOENT, ENODATA, ERANGE).
var (
	ErrNotFound  = errors.New("store: object not found")
	ErrNoData    = errors.New("store: attribute absent")
	ErrRange     = errors.New("store: buffer too small")
	ErrExists    = errors.New("store: already exists")
	ErrEndOfIter = errors.New("store: end of table")
)

// XattrFlag selects create-vs-replace semantics for XattrSet.
type XattrFlag int

// Flags for XattrSet.
const (
	XattrCreate XattrFlag = iota
	XattrReplace
)

// Canonical xattr names used by the core.
const (
	XattrLMA       = "trusted.lma"
	XattrLOV       = "trusted.lov"
	XattrLMV       = "trusted.lmv"
	XattrLink      = "trusted.link"
	XattrFilterFid = "trusted.fid"
	XattrLfsckNS   = "trusted.lfsck_ns"
	XattrBitmap    = "trusted.lfsck_bitmap"
)

// Object is an opaque handle to a located object. Production stores
// return a type carrying whatever native handle the object device
// uses; the core never inspects it beyond equality and Stringer.
type Object interface {
	FID() fid.FID
	String() string
}

// Attr is the subset of inode attributes LFSCK inspects or repairs.
type Attr struct {
	Mode   uint32
	UID    uint32
	GID    uint32
	Size   uint64
	Blocks uint64
	Nlink  uint32
	Ctime  int64
	Type   EntryType
}

// EntryType enumerates directory entry / inode types relevant to LFSCK.
type EntryType int

// Entry types.
const (
	TypeUnknown EntryType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
)

// DirEntry is one entry returned by an index iterator over a
// directory, after byte-swap/NUL normalization (§4.2).
type DirEntry struct {
	Name      string
	Child     fid.FID
	Type      EntryType
	Cookie    uint64
	Ignore    bool // LUDA_IGNORE
}

// Iterator walks a directory's (or the OIT's) entries in a store's
// native order, resuming from a cookie.
type Iterator interface {
	Load(ctx context.Context, cookie uint64) error
	Next(ctx context.Context) (DirEntry, error) // returns ErrEndOfIter when exhausted
	Put()
}

// Tx is a scoped transaction handle. The two-phase "declare before
// start" convention of the underlying store is preserved: callers
// Declare* every record they intend to touch, then Start, then act,
// then Commit. Dropping a Tx without Commit rolls back (§9 design
// notes).
type Tx interface {
	DeclareXattrSet(o Object, name string) Tx
	DeclareRecordWrite(o Object) Tx
	DeclareInsert(dir Object) Tx
	DeclareDelete(dir Object) Tx
	DeclareCreate() Tx
	DeclareDestroy(o Object) Tx
	Start(ctx context.Context) error
	Commit(ctx context.Context) error
}

// Store is the transactional object store interface the core consumes
// (§6.1). All mutating methods take a Tx that must have been started.
type Store interface {
	Locate(ctx context.Context, f fid.FID) (Object, error)
	AttrGet(ctx context.Context, o Object) (Attr, error)
	AttrSet(ctx context.Context, o Object, a Attr, tx Tx) error
	XattrGet(ctx context.Context, o Object, name string, buf []byte) (int, error)
	XattrSet(ctx context.Context, o Object, name string, value []byte, flag XattrFlag, tx Tx) error
	XattrDel(ctx context.Context, o Object, name string, tx Tx) error
	Lookup(ctx context.Context, dir Object, name string) (fid.FID, error)
	Insert(ctx context.Context, dir Object, name string, child fid.FID, tx Tx) error
	Delete(ctx context.Context, dir Object, name string, tx Tx) error
	RefAdd(ctx context.Context, o Object, tx Tx) error
	RefDel(ctx context.Context, o Object, tx Tx) error
	Create(ctx context.Context, a Attr, hint fid.FID, tx Tx) (Object, error)
	Destroy(ctx context.Context, o Object, tx Tx) error
	RecordWrite(ctx context.Context, o Object, buf []byte, offset int64, tx Tx) error
	RecordRead(ctx context.Context, o Object, buf []byte, offset int64) (int, error)
	TransCreate(ctx context.Context) (Tx, error)
	IndexIterInit(ctx context.Context, o Object, flags int) (Iterator, error)
	OITIterInit(ctx context.Context) (Iterator, error)
}
