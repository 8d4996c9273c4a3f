// Package session persists training run sessions: one record per pipeline run, tracking its
// status, configuration, metrics and produced models.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/nutriscan/nutriscan/ml"
)

// Status is the lifecycle state of a run.
type Status string

// Run states.
const (
	StatusPending   = Status("pending")
	StatusRunning   = Status("running")
	StatusCompleted = Status("completed")
	StatusFailed    = Status("failed")
)

// Statuses lists every state in lifecycle order.
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when a record changed since the caller read it.
	ErrConflict = errors.New("session was modified concurrently")
)

// Record is one training run.
type Record struct {
	ID                string            `json:"id" bson:"_id"`
	Status            Status            `json:"status" bson:"status"`
	CreatedAt         time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" bson:"updated_at"`
	DatasetID         string            `json:"dataset_id,omitempty" bson:"dataset_id,omitempty"`
	ModelConfig       ml.TrainingConfig `json:"model_config" bson:"model_config"`
	Metrics           *ml.Metrics       `json:"metrics,omitempty" bson:"metrics,omitempty"`
	BestModelPath     string            `json:"best_model_path,omitempty" bson:"best_model_path,omitempty"`
	ExportedModels    map[string]string `json:"exported_models,omitempty" bson:"exported_models,omitempty"`
	ValidationResults *ml.Metrics       `json:"validation_results,omitempty" bson:"validation_results,omitempty"`
	Revision          int64             `json:"revision" bson:"revision"`
	Error             string            `json:"error,omitempty" bson:"error,omitempty"`
}

// Finished reports whether the run reached a terminal state.
func (r Record) Finished() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Store persists records. Insert assigns the id, timestamps and first revision. Update succeeds
// only when the caller's Revision matches the stored one, and bumps it.
type Store interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Update(ctx context.Context, rec Record) (Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

const maxMutateAttempts = 8

// Mutate reads a record, applies fn and writes it back, retrying when another writer got there
// first.
func Mutate(ctx context.Context, store Store, id string, fn func(*Record) error) (Record, error) {
	for attempt := 0; ; attempt++ {
		rec, err := store.Get(ctx, id)
		if err != nil {
			return Record{}, err
		}
		if err := fn(&rec); err != nil {
			return Record{}, err
		}
		updated, err := store.Update(ctx, rec)
		if errors.Is(err, ErrConflict) && attempt < maxMutateAttempts {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Record{}, ctxErr
			}
			continue
		}
		return updated, err
	}
}

func normalizeTime(t time.Time) time.Time {
	// millisecond precision survives both JSON and BSON round trips
	return t.UTC().Truncate(time.Millisecond)
}

// normalized drops empty optional fields that are omitted when stored, so a record reads back
// exactly as it was written.
func (r Record) normalized() Record {
	if len(r.ExportedModels) == 0 {
		r.ExportedModels = nil
	}
	return r
}
