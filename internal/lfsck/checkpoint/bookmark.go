package checkpoint

import (
	"encoding/json"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

// BookmarkMagic identifies a bookmark record written by this build
// (§6.3 "version-prefixed; forward-compatible reserved padding").
const BookmarkMagic = 0x4c46534d // "LFSM"

// Bookmark is the per-instance record persisted on the local root
// (§6.3, supplemented from original_source/ lfsck_bookmark): run-wide
// parameters that must survive a restart independently of any single
// checker's Record.
type Bookmark struct {
	Magic         uint32  `json:"magic"`
	Version       uint16  `json:"version"`
	ParamFlags    uint32  `json:"param_flags"` // Policy bits (§6.4); stored and shown by dump, not read by start
	SpeedLimit    int     `json:"speed_limit"`
	LastFid       fid.FID `json:"last_fid"` // highest FID the OIT sweep had reached
	LfFid         fid.FID `json:"lf_fid"`   // root of the lost+found directory in use
	AsyncWindows  uint32  `json:"async_windows"`
}

const bookmarkBucket = "bookmark"
const bookmarkKey = "default"

func newBookmark() Bookmark {
	return Bookmark{Magic: BookmarkMagic, Version: 1}
}

// LoadBookmark returns the persisted Bookmark, or a fresh one (magic
// BookmarkMagic, version 1, every other field zero) if none exists yet or its magic
// doesn't match this build's.
func (s *Store) LoadBookmark() (Bookmark, error) {
	var bk Bookmark
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bookmarkBucket))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(bookmarkKey))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &bk); err != nil {
			return errors.Wrap(err, "corrupted bookmark record")
		}
		found = true
		return nil
	})
	if err != nil {
		return Bookmark{}, err
	}
	if !found || bk.Magic != BookmarkMagic {
		return newBookmark(), nil
	}
	return bk, nil
}

// SaveBookmark persists bk, creating the bookmark bucket on first use.
func (s *Store) SaveBookmark(bk Bookmark) error {
	bk.Magic = BookmarkMagic
	data, err := json.Marshal(bk)
	if err != nil {
		return errors.Wrap(err, "couldn't marshal bookmark record")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bookmarkBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(bookmarkKey), data)
	})
}
