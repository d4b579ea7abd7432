// Package merge folds freshly fetched entities into the document store.
//
// Merging is idempotent: an entity whose upstream target and region are
// unchanged causes no write at all, so repeating a batch against an
// unchanged upstream leaves every revision where it was. When the target
// did change, the stored document keeps its id and its tags and only the
// target and region are overlaid.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/clouddeck/tagsync-server/internal/store"
	"github.com/clouddeck/tagsync-server/internal/taggable"
)

const conflictAttempts = 3

// Engine merges fetched entities into a document store
type Engine struct {
	store store.Store
}

// NewEngine creates a merge engine writing to s
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// MergeAll merges every entity in the batch and returns the number of
// documents actually written. Entities are applied in batch order; the
// first unrecoverable failure aborts the rest.
func (e *Engine) MergeAll(ctx context.Context, entities []*taggable.Taggable) (int, error) {
	logger := logr.FromContextOrDiscard(ctx)

	written := 0
	for _, entity := range entities {
		wrote, err := e.Merge(ctx, entity)
		if err != nil {
			return written, fmt.Errorf("failed to merge %s: %w", entity.ID, err)
		}
		if wrote {
			written++
		}
	}

	logger.V(1).Info("Merge batch complete",
		"entities", len(entities),
		"written", written)
	return written, nil
}

// Merge folds one fetched entity into the store and reports whether a
// write happened. A revision conflict means another writer touched the
// document between our read and write; the merge is re-applied against
// the fresh document, up to a small number of attempts.
func (e *Engine) Merge(ctx context.Context, entity *taggable.Taggable) (bool, error) {
	operation := func() (bool, error) {
		wrote, err := e.mergeOnce(ctx, entity)
		if errors.Is(err, store.ErrConflict) {
			return false, err // retryable
		}
		if err != nil {
			return false, backoff.Permanent(err)
		}
		return wrote, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 10 * time.Millisecond

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(conflictAttempts))
}

// mergeOnce reads the current document and applies exactly one
// insert-or-overlay attempt against the revision it read.
func (e *Engine) mergeOnce(ctx context.Context, entity *taggable.Taggable) (bool, error) {
	current, err := e.store.Get(ctx, entity.ID)
	if errors.Is(err, store.ErrNotFound) {
		doc, err := entity.MarshalDoc()
		if err != nil {
			return false, err
		}
		if _, err := e.store.Put(ctx, &store.Record{ID: entity.ID, Doc: doc}); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	existing, err := taggable.FromDoc(current.ID, current.Rev, current.Deleted, current.Doc)
	if err != nil {
		return false, fmt.Errorf("stored document %s is unreadable: %w", current.ID, err)
	}

	if !existing.Deleted &&
		existing.Region == entity.Region &&
		existing.TargetEquals(entity.Target) {
		return false, nil
	}

	// Overlay the upstream state, keeping the id and the tags.
	existing.Target = entity.Target
	existing.Region = entity.Region
	existing.Deleted = false

	doc, err := existing.MarshalDoc()
	if err != nil {
		return false, err
	}
	if _, err := e.store.Put(ctx, &store.Record{ID: existing.ID, Rev: current.Rev, Doc: doc}); err != nil {
		return false, err
	}
	return true, nil
}
