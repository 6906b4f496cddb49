// Package checkpoint implements the Checkpoint/FileRam persistent
// status record each checker uses to resume a scan after a restart
// (§4.9, §6.3), grounded on the bbolt-backed record store in
// backend/cache/storage_persistent.go: one bucket per checker, JSON
// records under fixed keys, db.Update/db.View transactions.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Magic identifies a checkpoint record written by this build. A magic
// mismatch on load means the on-disk format changed underneath us and
// the checkpoint must be discarded rather than trusted (§4.9 "reset
// needed" handling).
const Magic = 0x4c46534b // "LFSK"

// Status is the lifecycle state persisted across restarts.
type Status int

// Checker lifecycle states (§3.1).
const (
	StatusInit Status = iota
	StatusScanning
	StatusCompleted
	StatusFailed
	StatusStopped
	StatusPartial
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusScanning:
		return "scanning"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	case StatusPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Record is the FileRam persisted for one checker (§4.9). Position is
// the opaque resume cookie the scan engine last checkpointed (an OIT
// iterator cookie, or a directory-scan position); success_count and
// time_last_complete survive a Reset so that a checker's completion
// history isn't lost just because its current pass was interrupted.
type Record struct {
	Magic            uint32    `json:"magic"`
	Status           Status    `json:"status"`
	Position         string    `json:"position"`
	StartTime        time.Time `json:"start_time"`
	SuccessCount     int64     `json:"success_count"`
	TimeLastComplete time.Time `json:"time_last_complete"`
	ItemsChecked     int64     `json:"items_checked"`
	ItemsRepaired    int64     `json:"items_repaired"`
	ItemsFailed      int64     `json:"items_failed"`

	// FirstInconsistentPos is the position of this pass's earliest
	// policy.DryRun-gated inconsistency, set once and left alone until
	// Reset clears it (§4.9 "pos_first_inconsistent"/"drop_dryrun").
	FirstInconsistentPos string `json:"first_inconsistent_pos"`
}

// newRecord returns a fresh, never-run record.
func newRecord() Record {
	return Record{Magic: Magic, Status: StatusInit}
}

// Store persists Records keyed by checker name, one bbolt bucket per
// store instance.
type Store struct {
	db     *bolt.DB
	bucket []byte
}

const bucketName = "checkpoints"

// Open opens (creating if necessary) a checkpoint store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint db %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create checkpoint bucket")
	}
	return &Store{db: db, bucket: []byte(bucketName)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the Record for name, or a fresh StatusInit record if
// none exists yet, or if the stored record's magic doesn't match this
// build's (§4.9: a magic mismatch forces a reset, but success_count and
// time_last_complete are not recoverable from a foreign-magic blob so
// they reset to zero along with it).
func (s *Store) Load(name string) (Record, error) {
	var rec Record
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return errors.Wrapf(err, "corrupted checkpoint record for %q", name)
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if !found || rec.Magic != Magic {
		return newRecord(), nil
	}
	return rec, nil
}

// Save persists rec under name.
func (s *Store) Save(name string, rec Record) error {
	rec.Magic = Magic
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "couldn't marshal checkpoint record for %q", name)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.Put([]byte(name), data)
	})
}

// Reset clears a checker's scan position and status to StatusInit but
// preserves SuccessCount and TimeLastComplete (§4.9). Load, by contrast,
// discards the whole stored record, history included, on a magic
// mismatch.
func (s *Store) Reset(name string) error {
	rec, err := s.Load(name)
	if err != nil {
		return err
	}
	rec.Status = StatusInit
	rec.Position = ""
	rec.StartTime = time.Time{}
	rec.ItemsChecked = 0
	rec.ItemsRepaired = 0
	rec.ItemsFailed = 0
	rec.FirstInconsistentPos = ""
	return s.Save(name, rec)
}

// Delete removes the checkpoint record for name entirely.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.Delete([]byte(name))
	})
}
