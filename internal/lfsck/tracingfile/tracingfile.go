// Package tracingfile implements the per-FID tracing flag set each
// checker uses to remember what it has already done with an object
// across restarts (§3.2, §3.4), grounded on the same bbolt-backed
// record store idiom as internal/lfsck/checkpoint
// (backend/cache/storage_persistent.go): one bucket, keys are the
// FID's canonical big-endian encoding, values are a single flag byte.
package tracingfile

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

// Flag is a bitmask of per-FID tracing state. Combining flags in one
// byte avoids a bucket per concern.
type Flag byte

// Tracing flags (§6.3), set by the namespace checker's exec_oit/exec_dir.
// Its phase-2 DSD pass reads FlagRecheckNamehash and FlagUncertainLMV;
// FlagCheckLinkEA and FlagCheckParent are recorded only.
const (
	FlagCheckLinkEA     Flag = 0x1 // linkEA missing, corrupted, or redundant
	FlagCheckParent     Flag = 0x2 // parent FID insane or ".." points at nothing
	FlagUncertainLMV    Flag = 0x4 // striped-directory master/slave LMV agreement unverified
	FlagRecheckNamehash Flag = 0x8 // directory flagged for DSD's name-hash re-validation
)

const bucketName = "tracing"

// File is the bbolt-backed flag set for one checker.
type File struct {
	db     *bolt.DB
	bucket []byte
}

// Open opens (creating if necessary) a tracing file at path.
func Open(path string) (*File, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tracing file %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tracing bucket")
	}
	return &File{db: db, bucket: []byte(bucketName)}, nil
}

// Close closes the underlying database.
func (f *File) Close() error {
	return f.db.Close()
}

// Get returns the flags set for id, or 0 if no record exists.
func (f *File) Get(id fid.FID) (Flag, error) {
	var flag Flag
	err := f.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(f.bucket)
		v := b.Get(id.BigEndianKey())
		if len(v) == 1 {
			flag = Flag(v[0])
		}
		return nil
	})
	return flag, err
}

// Set stores flags for id. Per the zero-flag-deletes-record invariant
// (§3.4), setting a zero value removes the record instead of storing a
// zero byte, keeping the bucket's size proportional to the number of
// objects with interesting state rather than every object ever visited.
func (f *File) Set(id fid.FID, flags Flag) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(f.bucket)
		key := id.BigEndianKey()
		if flags == 0 {
			return b.Delete(key)
		}
		return b.Put(key, []byte{byte(flags)})
	})
}

// SetFlag ORs flags into id's current record.
func (f *File) SetFlag(id fid.FID, flags Flag) error {
	cur, err := f.Get(id)
	if err != nil {
		return err
	}
	return f.Set(id, cur|flags)
}

// ClearFlag ANDs flags out of id's current record.
func (f *File) ClearFlag(id fid.FID, flags Flag) error {
	cur, err := f.Get(id)
	if err != nil {
		return err
	}
	return f.Set(id, cur&^flags)
}

// Has reports whether all of flags are set for id.
func (f *File) Has(id fid.FID, flags Flag) (bool, error) {
	cur, err := f.Get(id)
	if err != nil {
		return false, err
	}
	return cur&flags == flags, nil
}

// Each calls fn for every record currently stored, stopping and
// returning fn's error if it returns one. Used by the namespace
// checker's phase-2 pass to find every directory flagged
// RECHECK_NAMEHASH or UNCERTAION_LMV (§4.8 DSD).
func (f *File) Each(fn func(id fid.FID, flags Flag) error) error {
	return f.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(f.bucket)
		return b.ForEach(func(k, v []byte) error {
			id, err := fid.FromBigEndianKey(k)
			if err != nil || len(v) != 1 {
				return nil
			}
			return fn(id, Flag(v[0]))
		})
	})
}

// Count returns the number of records currently stored (i.e. the
// number of objects with nonzero tracing state).
func (f *File) Count() (int, error) {
	var n int
	err := f.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(f.bucket)
		return b.ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// Reset deletes every record, used when a checker's scan is restarted
// from scratch rather than resumed (§4.9).
func (f *File) Reset() error {
	return f.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(f.bucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(f.bucket)
		return err
	})
}
