package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/nutriscan/nutriscan/ml"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state", DefaultFile))
	test.That(t, err, test.ShouldBeNil)
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	defer func() { test.That(t, store.Close(), test.ShouldBeNil) }()

	rec, err := store.Insert(ctx, Record{
		Status:      StatusRunning,
		DatasetID:   "malaysian-food/3",
		ModelConfig: ml.DefaultTrainingConfig(),
		Metrics:     &ml.Metrics{MAP50: 0.8, MAP50to95: 0.5},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.ID, test.ShouldNotBeEmpty)
	test.That(t, rec.Revision, test.ShouldEqual, 1)
	test.That(t, rec.CreatedAt.Location(), test.ShouldEqual, time.UTC)

	got, err := store.Get(ctx, rec.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, rec)

	// a second store over the same file sees the same record
	other, err := NewFileStore(store.Path())
	test.That(t, err, test.ShouldBeNil)
	got, err = other.Get(ctx, rec.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, rec)

	_, err = store.Get(ctx, "missing")
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
}

func TestFileStoreStoresFitness(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	rec, err := store.Insert(ctx, Record{Metrics: &ml.Metrics{MAP50: 0.5, MAP50to95: 0.3}})
	test.That(t, err, test.ShouldBeNil)

	raw, err := os.ReadFile(store.Path())
	test.That(t, err, test.ShouldBeNil)
	var onDisk map[string]map[string]any
	test.That(t, json.Unmarshal(raw, &onDisk), test.ShouldBeNil)
	metrics, ok := onDisk[rec.ID]["metrics"].(map[string]any)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, metrics["fitness"], test.ShouldAlmostEqual, 0.32)

	got, err := store.Get(ctx, rec.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, rec)
}

func TestFileStoreEmptyExports(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	rec, err := store.Insert(ctx, Record{Status: StatusCompleted, ExportedModels: map[string]string{}})
	test.That(t, err, test.ShouldBeNil)
	got, err := store.Get(ctx, rec.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, rec)

	got.ExportedModels = map[string]string{}
	updated, err := store.Update(ctx, got)
	test.That(t, err, test.ShouldBeNil)
	got, err = store.Get(ctx, rec.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, updated)
}

func TestFileStoreDistinctIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	a, err := store.Insert(ctx, Record{})
	test.That(t, err, test.ShouldBeNil)
	b, err := store.Insert(ctx, Record{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.ID, test.ShouldNotEqual, b.ID)
	test.That(t, a.Status, test.ShouldEqual, StatusPending)

	raw, err := os.ReadFile(store.Path())
	test.That(t, err, test.ShouldBeNil)
	var onDisk map[string]Record
	test.That(t, json.Unmarshal(raw, &onDisk), test.ShouldBeNil)
	test.That(t, onDisk, test.ShouldHaveLength, 2)
	test.That(t, onDisk[a.ID].ID, test.ShouldEqual, a.ID)
	test.That(t, onDisk[b.ID].ID, test.ShouldEqual, b.ID)
}

func TestFileStoreListOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	offset := 0
	store.now = func() time.Time {
		offset--
		return base.Add(time.Duration(offset) * time.Minute)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := store.Insert(ctx, Record{DatasetID: fmt.Sprint(i)})
		test.That(t, err, test.ShouldBeNil)
		ids = append(ids, rec.ID)
	}
	list, err := store.List(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, list, test.ShouldHaveLength, 3)
	// each insert was stamped earlier than the previous one
	test.That(t, list[0].ID, test.ShouldEqual, ids[2])
	test.That(t, list[2].ID, test.ShouldEqual, ids[0])
}

func TestFileStoreUpdateConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	rec, err := store.Insert(ctx, Record{Status: StatusRunning})
	test.That(t, err, test.ShouldBeNil)

	first := rec
	first.Status = StatusCompleted
	updated, err := store.Update(ctx, first)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, updated.Revision, test.ShouldEqual, 2)
	test.That(t, updated.CreatedAt, test.ShouldResemble, rec.CreatedAt)

	stale := rec
	stale.Status = StatusFailed
	_, err = store.Update(ctx, stale)
	test.That(t, errors.Is(err, ErrConflict), test.ShouldBeTrue)

	got, err := store.Get(ctx, rec.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Status, test.ShouldEqual, StatusCompleted)

	_, err = store.Update(ctx, Record{ID: "missing"})
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
}

func TestMutateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	rec, err := store.Insert(ctx, Record{})
	test.That(t, err, test.ShouldBeNil)

	calls := 0
	out, err := Mutate(ctx, store, rec.ID, func(r *Record) error {
		calls++
		if calls == 1 {
			// another writer sneaks in between our read and write
			_, err := store.Update(ctx, *r)
			test.That(t, err, test.ShouldBeNil)
		}
		r.BestModelPath = "best.pt"
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, calls, test.ShouldEqual, 2)
	test.That(t, out.BestModelPath, test.ShouldEqual, "best.pt")
	test.That(t, out.Revision, test.ShouldEqual, 3)
}

func TestFileStoreConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), DefaultFile)

	const writers = 16
	var wg sync.WaitGroup
	ids := make([]string, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// separate stores share nothing but the file, like separate processes
			store, err := NewFileStore(path)
			if err != nil {
				errs[i] = err
				return
			}
			rec, err := store.Insert(ctx, Record{DatasetID: fmt.Sprint(i)})
			ids[i], errs[i] = rec.ID, err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		test.That(t, err, test.ShouldBeNil)
	}

	store, err := NewFileStore(path)
	test.That(t, err, test.ShouldBeNil)
	list, err := store.List(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, list, test.ShouldHaveLength, writers)
	for _, id := range ids {
		_, err := store.Get(ctx, id)
		test.That(t, err, test.ShouldBeNil)
	}
}

func TestFileStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	rec, err := store.Insert(ctx, Record{})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, store.Delete(ctx, rec.ID), test.ShouldBeNil)
	test.That(t, errors.Is(store.Delete(ctx, rec.ID), ErrNotFound), test.ShouldBeTrue)
	list, err := store.List(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, list, test.ShouldBeEmpty)
}

func TestFileStoreFileStates(t *testing.T) {
	ctx := context.Background()

	t.Run("empty file", func(t *testing.T) {
		store := newTestFileStore(t)
		test.That(t, os.WriteFile(store.Path(), []byte("  \n"), 0o600), test.ShouldBeNil)
		list, err := store.List(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, list, test.ShouldBeEmpty)
		_, err = store.Insert(ctx, Record{})
		test.That(t, err, test.ShouldBeNil)
	})

	t.Run("corrupt file is not reset", func(t *testing.T) {
		store := newTestFileStore(t)
		test.That(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600), test.ShouldBeNil)
		_, err := store.Insert(ctx, Record{})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "is corrupt")
		raw, err := os.ReadFile(store.Path())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(raw), test.ShouldEqual, "{not json")
	})

	t.Run("legacy records without embedded id", func(t *testing.T) {
		store := newTestFileStore(t)
		legacy := `{"abc": {"status": "completed", "created_at": "2024-01-01T00:00:00Z",
			"updated_at": "2024-01-01T00:00:00Z", "model_config": {"model": "yolov8n"}}}`
		test.That(t, os.WriteFile(store.Path(), []byte(legacy), 0o600), test.ShouldBeNil)
		rec, err := store.Get(ctx, "abc")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, rec.ID, test.ShouldEqual, "abc")
		test.That(t, rec.Status, test.ShouldEqual, StatusCompleted)
	})
}

func TestFileStoreCancelledLock(t *testing.T) {
	store := newTestFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// hold the lock from "another process"
	holder, err := NewFileStore(store.Path())
	test.That(t, err, test.ShouldBeNil)
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		//nolint:errcheck
		holder.withLock(context.Background(), true, func(map[string]Record) (bool, error) {
			close(held)
			<-release
			return false, nil
		})
	}()
	<-held
	defer close(release)

	_, err = store.Insert(ctx, Record{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "could not lock")
}
