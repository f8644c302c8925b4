// Package dedup persists the identifiers of candidates the pipeline has already
// taken, so overlapping feeds never reprocess the same kit across runs.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Lookup when the identifier was never recorded.
	ErrNotFound = errors.New("dedup record not found")
	// ErrUnavailable wraps every backend failure. Callers must treat it as fatal.
	ErrUnavailable = errors.New("dedup store unavailable")
)

// Record is one persisted identifier.
type Record struct {
	Identifier string
	FirstSeen  time.Time
}

// Store is a durable set of identifiers.
type Store interface {
	// Seen reports whether id has been recorded.
	Seen(ctx context.Context, id string) (bool, error)
	// Record adds id. Recording an existing id is a no-op.
	Record(ctx context.Context, id string) error
	// Claim atomically records id if absent. It returns true only for the
	// single caller that inserted it.
	Claim(ctx context.Context, id string) (bool, error)
	// Forget removes id so a later run may process it again.
	Forget(ctx context.Context, id string) error
	// Lookup returns the record for id or ErrNotFound.
	Lookup(ctx context.Context, id string) (Record, error)
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
