// Package store persists conversation memories and searches them by vector
// similarity. A Store is either a networked vector index (Milvus, Qdrant) or
// a local fallback (in-process, SQLite).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record is one stored (prompt, reply) exchange. Records are never updated;
// they are only removed by DeleteAll.
type Record struct {
	ID        string
	UserID    string
	Prompt    string
	Reply     string
	Embedding []float32
	CreatedAt time.Time
}

// Hit is a search result, most similar first.
type Hit struct {
	ID     string
	Prompt string
	Reply  string
	Score  float64
}

// Store is the backend contract shared by every implementation.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Insert persists the exchange and returns its id. The record is
	// visible to Search before Insert returns.
	Insert(ctx context.Context, userID, prompt, reply string, embedding []float32) (string, error)
	// Search returns up to limit of the user's records ranked by cosine
	// similarity to query. A user with no records yields an empty result.
	Search(ctx context.Context, userID string, query []float32, limit int) ([]Hit, error)
	// DeleteAll removes every record of the user and returns how many were
	// removed. Deleting for an unknown user succeeds with 0.
	DeleteAll(ctx context.Context, userID string) (int, error)
	// Close releases backend resources.
	Close() error
}

var (
	// ErrConnect matches failures to reach or provision a backend.
	ErrConnect = errors.New("backend connect failed")
	// ErrOperation matches failures of an individual backend call.
	ErrOperation = errors.New("backend operation failed")
)

// ConnectError is returned by constructors that cannot reach their backend.
type ConnectError struct {
	Backend string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: connect: %v", e.Backend, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// OperationError is returned when a backend call fails after retries.
type OperationError struct {
	Backend string
	Op      string
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) Is(target error) bool { return target == ErrOperation }

func opErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Backend: backend, Op: op, Err: err}
}

// RecordID formats the id of a user's n-th record (1-based). The sequence is
// derived from the user's record count at insert time, so concurrent inserts
// for one user may produce the same id.
func RecordID(userID string, n int) string {
	return fmt.Sprintf("%s_%d", userID, n)
}
