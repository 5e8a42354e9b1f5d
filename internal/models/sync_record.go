package models

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cfilipov/dockstate/internal/db"
)

// SyncRecord is the last sync result for one reference. It is reporting
// data only; the sync policy never reads it back.
type SyncRecord struct {
	Reference string `json:"reference"`
	Outcome   string `json:"outcome,omitempty"`
	Local     string `json:"local,omitempty"`
	Remote    string `json:"remote,omitempty"`
	Pulled    bool   `json:"pulled"`
	Error     string `json:"error,omitempty"`
	CheckedAt int64  `json:"checkedAt"`
}

// SyncRecordStore keeps one SyncRecord per reference.
// An in-memory snapshot (atomic pointer) avoids reading BoltDB on every list.
// gen counts invalidations; List only publishes a snapshot if no write
// committed while it was reading.
type SyncRecordStore struct {
	db    *bolt.DB
	cache atomic.Pointer[[]SyncRecord] // lazily rebuilt, invalidated on writes
	now   func() time.Time

	mu  sync.Mutex // guards gen together with cache publication
	gen uint64
}

func NewSyncRecordStore(database *bolt.DB) *SyncRecordStore {
	return &SyncRecordStore{db: database, now: time.Now}
}

// Upsert stores rec under its reference, stamping CheckedAt when unset.
func (s *SyncRecordStore) Upsert(rec SyncRecord) error {
	if rec.Reference == "" {
		return fmt.Errorf("sync record without reference")
	}
	if rec.CheckedAt == 0 {
		rec.CheckedAt = s.now().Unix()
	}
	defer s.invalidateCache()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal sync record: %w", err)
		}
		return tx.Bucket(db.BucketSyncRecords).Put([]byte(rec.Reference), data)
	})
}

// Get returns the record for ref. ok is false when none is stored.
func (s *SyncRecordStore) Get(ref string) (rec SyncRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketSyncRecords).Get([]byte(ref))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return SyncRecord{}, false, fmt.Errorf("get sync record %q: %w", ref, err)
	}
	return rec, ok, nil
}

// List returns every record ordered by reference. The returned slice is
// shared with the cache and must not be modified.
func (s *SyncRecordStore) List() ([]SyncRecord, error) {
	if cached := s.cache.Load(); cached != nil {
		return *cached, nil
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	records := []SyncRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketSyncRecords).ForEach(func(k, v []byte) error {
			var rec SyncRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal sync record %q: %w", string(k), err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.cache.Store(&records)
	}
	s.mu.Unlock()
	return records, nil
}

// Delete removes the records for refs and returns how many existed.
func (s *SyncRecordStore) Delete(refs ...string) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	defer s.invalidateCache()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketSyncRecords)
		for _, ref := range refs {
			if b.Get([]byte(ref)) == nil {
				continue
			}
			if err := b.Delete([]byte(ref)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete sync records: %w", err)
	}
	return removed, nil
}

// invalidateCache runs after a write has committed, so any List that started
// reading before the commit sees a newer generation and discards its result.
func (s *SyncRecordStore) invalidateCache() {
	s.mu.Lock()
	s.gen++
	s.cache.Store(nil)
	s.mu.Unlock()
}
