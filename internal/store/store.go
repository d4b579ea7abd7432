// Package store defines the persisted document store contract used by the
// sync engine, plus the bundled implementations.
//
// The store is document-oriented and keyed by id. Every accepted write
// advances an opaque revision token of the form "<generation>-<random>"; a
// write that does not present the stored current revision is rejected with
// ErrConflict. This per-document optimistic concurrency is the only mutual
// exclusion the engine relies on.
//
// Deleting is tombstoning: a record written with Deleted set stays readable
// through Get and Find so that reconciliation survivors and their losers
// remain distinguishable across restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by Get when no record has the given id
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned by Put when the presented revision is not
	// the stored current revision
	ErrConflict = errors.New("document revision conflict")
)

// Record is one stored document together with its store-managed state
type Record struct {
	// ID is the document key
	ID string

	// Rev is the revision token of the stored document. Must be empty on
	// first insert and must match the current revision on update.
	Rev string

	// Deleted marks the record as a tombstone
	Deleted bool

	// Doc is the document body
	Doc json.RawMessage
}

// Selector describes a predicate for Find. Only field-existence matching is
// needed by the engine; richer predicates belong to the implementations.
type Selector struct {
	// Exists lists top-level fields that must be present in the document
	Exists []string
}

// Store is the persisted document store contract
type Store interface {
	// Get returns the record with the given id, tombstones included.
	// Returns ErrNotFound when the id was never written.
	Get(ctx context.Context, id string) (*Record, error)

	// Put inserts or updates a record and returns the new revision.
	// Returns ErrConflict when rec.Rev is not the stored current revision.
	Put(ctx context.Context, rec *Record) (string, error)

	// Find returns all records matching the selector, tombstones included
	Find(ctx context.Context, sel Selector) ([]*Record, error)

	// CreateIndex declares a secondary index over the given document
	// fields. Declaring the same index twice is a no-op.
	CreateIndex(ctx context.Context, fields ...string) error
}

// Opener yields named logical databases sharing one backend
type Opener interface {
	Open(ctx context.Context, name string) (Store, error)
}

// nextRev derives the successor revision token of current. The generation
// prefix increments, the suffix is random.
func nextRev(current string) string {
	generation := 0
	if gen, _, found := strings.Cut(current, "-"); found {
		if n, err := strconv.Atoi(gen); err == nil {
			generation = n
		}
	}
	return fmt.Sprintf("%d-%s", generation+1, uuid.NewString())
}
