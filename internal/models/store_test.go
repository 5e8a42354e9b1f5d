package models

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cfilipov/dockstate/internal/db"
)

// openTestDB creates a temp BoltDB for testing.
func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func openTestSyncRecordStore(t *testing.T) *SyncRecordStore {
	t.Helper()
	s := NewSyncRecordStore(openTestDB(t))
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s
}

// --- SyncRecordStore ---

func TestSyncRecordUpsertAndGet(t *testing.T) {
	t.Parallel()
	store := openTestSyncRecordStore(t)

	if _, ok, err := store.Get("nginx:latest"); err != nil || ok {
		t.Fatalf("Get on empty store = (%v, %v)", ok, err)
	}

	rec := SyncRecord{Reference: "nginx:latest", Outcome: "Mismatch", Local: "sha256:aaa", Remote: "sha256:bbb", Pulled: true}
	if err := store.Upsert(rec); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.Get("nginx:latest")
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v)", ok, err)
	}
	if got.Outcome != "Mismatch" || !got.Pulled || got.CheckedAt != 1700000000 {
		t.Errorf("got %+v", got)
	}

	rec.Outcome = "Match"
	rec.Pulled = false
	rec.CheckedAt = 42
	if err := store.Upsert(rec); err != nil {
		t.Fatal(err)
	}
	got, _, _ = store.Get("nginx:latest")
	if got.Outcome != "Match" || got.Pulled || got.CheckedAt != 42 {
		t.Errorf("after overwrite: %+v", got)
	}
}

func TestSyncRecordUpsertRequiresReference(t *testing.T) {
	t.Parallel()
	store := openTestSyncRecordStore(t)
	if err := store.Upsert(SyncRecord{Outcome: "Match"}); err == nil {
		t.Error("expected error for empty reference")
	}
}

func TestSyncRecordListInvalidatesOnWrite(t *testing.T) {
	t.Parallel()
	store := openTestSyncRecordStore(t)

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", list)
	}

	for _, ref := range []string{"redis:7", "alpine:3.20", "nginx:latest"} {
		if err := store.Upsert(SyncRecord{Reference: ref, Outcome: "Match"}); err != nil {
			t.Fatal(err)
		}
	}
	list, _ = store.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	if list[0].Reference != "alpine:3.20" || list[2].Reference != "redis:7" {
		t.Errorf("records not ordered by reference: %+v", list)
	}

	if n, err := store.Delete("alpine:3.20"); err != nil || n != 1 {
		t.Fatalf("Delete = (%d, %v)", n, err)
	}
	list, _ = store.List()
	if len(list) != 2 {
		t.Errorf("expected 2 records after delete, got %d", len(list))
	}
}

func TestSyncRecordDeleteCountsExisting(t *testing.T) {
	t.Parallel()
	store := openTestSyncRecordStore(t)
	for _, ref := range []string{"a:1", "b:1", "c:1"} {
		store.Upsert(SyncRecord{Reference: ref})
	}

	removed, err := store.Delete("a:1", "c:1", "z:9")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	list, _ := store.List()
	if len(list) != 1 || list[0].Reference != "b:1" {
		t.Errorf("remaining = %+v", list)
	}

	if n, err := store.Delete(); err != nil || n != 0 {
		t.Errorf("empty Delete = (%d, %v)", n, err)
	}
}

// Lists racing with writes must never leave a snapshot older than the last
// committed write in the cache.
func TestSyncRecordListConcurrentWithWrites(t *testing.T) {
	t.Parallel()
	store := openTestSyncRecordStore(t)

	const writers = 50
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := store.List(); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	var writes sync.WaitGroup
	for i := range writers {
		writes.Add(1)
		go func() {
			defer writes.Done()
			if err := store.Upsert(SyncRecord{Reference: fmt.Sprintf("img%02d:1", i)}); err != nil {
				t.Error(err)
			}
		}()
	}
	writes.Wait()
	close(stop)
	wg.Wait()

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != writers {
		t.Errorf("List after writes = %d records, want %d", len(list), writers)
	}
}

// --- SettingStore ---

func TestSettingGetSet(t *testing.T) {
	t.Parallel()
	store := NewSettingStore(openTestDB(t))

	v, err := store.Get("missing")
	if err != nil || v != "" {
		t.Fatalf("Get(missing) = (%q, %v)", v, err)
	}
	if err := store.Set("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.Get("k"); v != "v1" {
		t.Errorf("Get(k) = %q", v)
	}
}

func TestEnsureAPISecretIsStable(t *testing.T) {
	t.Parallel()
	database := openTestDB(t)

	first, err := NewSettingStore(database).EnsureAPISecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != secretLength {
		t.Errorf("secret length = %d", len(first))
	}

	second, err := NewSettingStore(database).EnsureAPISecret()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("secret should persist across stores on the same database")
	}
}
