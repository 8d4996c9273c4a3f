package session

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// DefaultFile is where sessions are kept when nothing is configured.
const DefaultFile = "training_sessions.json"

const lockRetryDelay = 25 * time.Millisecond

// FileStore keeps every record in one JSON file mapping id to record. Each operation takes a
// file lock on <path>.lock, so several processes can share the file; writes go to a temp file
// that is renamed over the original.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store over path, creating its directory. The file itself is created
// on the first write.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.Wrapf(err, "could not create session directory %s", dir)
		}
	}
	return &FileStore{path: path, now: time.Now}, nil
}

// Path returns the session file.
func (s *FileStore) Path() string {
	return s.path
}

// Insert stores rec under a fresh id.
func (s *FileStore) Insert(ctx context.Context, rec Record) (Record, error) {
	err := s.withLock(ctx, true, func(records map[string]Record) (bool, error) {
		rec.ID = uuid.NewString()
		for records[rec.ID].ID != "" {
			rec.ID = uuid.NewString()
		}
		now := normalizeTime(s.now())
		rec.CreatedAt, rec.UpdatedAt = now, now
		rec.Revision = 1
		if rec.Status == "" {
			rec.Status = StatusPending
		}
		rec = rec.normalized()
		records[rec.ID] = rec
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the record with id.
func (s *FileStore) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.withLock(ctx, false, func(records map[string]Record) (bool, error) {
		found, ok := records[id]
		if !ok {
			return false, errors.Wrapf(ErrNotFound, "no session %q", id)
		}
		rec = found
		return false, nil
	})
	return rec, err
}

// List returns every record, oldest first.
func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.withLock(ctx, false, func(records map[string]Record) (bool, error) {
		out = sortedRecords(records)
		return false, nil
	})
	return out, err
}

// Update replaces the stored record when its revision matches rec.Revision.
func (s *FileStore) Update(ctx context.Context, rec Record) (Record, error) {
	err := s.withLock(ctx, true, func(records map[string]Record) (bool, error) {
		stored, ok := records[rec.ID]
		if !ok {
			return false, errors.Wrapf(ErrNotFound, "no session %q", rec.ID)
		}
		if stored.Revision != rec.Revision {
			return false, errors.Wrapf(ErrConflict, "session %s is at revision %d, not %d", rec.ID, stored.Revision, rec.Revision)
		}
		rec.CreatedAt = stored.CreatedAt
		rec.UpdatedAt = normalizeTime(s.now())
		rec.Revision++
		rec = rec.normalized()
		records[rec.ID] = rec
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes the record with id.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	return s.withLock(ctx, true, func(records map[string]Record) (bool, error) {
		if _, ok := records[id]; !ok {
			return false, errors.Wrapf(ErrNotFound, "no session %q", id)
		}
		delete(records, id)
		return true, nil
	})
}

// Close does nothing; the file is only open during operations.
func (s *FileStore) Close() error {
	return nil
}

// withLock loads the records under the file lock and calls fn. When fn reports a change the
// records are written back before the lock is released.
func (s *FileStore) withLock(ctx context.Context, exclusive bool, fn func(map[string]Record) (bool, error)) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := flock.New(s.path + ".lock")
	var locked bool
	if exclusive {
		locked, err = lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return errors.Wrapf(err, "could not lock %s", s.path)
	}
	if !locked {
		return errors.Errorf("could not lock %s", s.path)
	}
	defer func() {
		err = multierr.Combine(err, lock.Unlock())
	}()

	records, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(records)
	if err != nil || !changed {
		return err
	}
	return s.save(records)
}

// load reads the file. A missing or empty file is an empty store; anything unparsable is an
// error rather than being reset.
func (s *FileStore) load() (map[string]Record, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", s.path)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]Record{}, nil
	}
	records := map[string]Record{}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, errors.Wrapf(err, "session file %s is corrupt", s.path)
	}
	for id, rec := range records {
		// older files did not store the id inside the record
		if rec.ID == "" {
			rec.ID = id
			records[id] = rec
		}
	}
	return records, nil
}

func (s *FileStore) save(records map[string]Record) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "could not create temporary session file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		return multierr.Combine(errors.Wrap(err, "could not write sessions"), tmp.Close(), os.Remove(tmpName))
	}
	if err := tmp.Sync(); err != nil {
		return multierr.Combine(errors.Wrap(err, "could not sync sessions"), tmp.Close(), os.Remove(tmpName))
	}
	if err := tmp.Close(); err != nil {
		return multierr.Combine(err, os.Remove(tmpName))
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return multierr.Combine(errors.Wrapf(err, "could not replace %s", s.path), os.Remove(tmpName))
	}
	return nil
}

func sortedRecords(records map[string]Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
