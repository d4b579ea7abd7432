// Package load rebuilds the in-memory entity set from the document store.
//
// Loading is where the stored documents become a coherent graph: entities
// are ordered canonically, cross-entity links are resolved to in-memory
// references, and duplicates left behind by legacy id schemes are
// reconciled down to a single survivor per upstream resource.
package load

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/clouddeck/tagsync-server/internal/store"
	"github.com/clouddeck/tagsync-server/internal/taggable"
)

// writeConcurrency bounds the reconciliation write-back fan-out
const writeConcurrency = 4

// Pipeline loads, orders, links and reconciles the stored entity set
type Pipeline struct {
	store store.Store
}

// NewPipeline creates a load pipeline reading from s
func NewPipeline(s store.Store) *Pipeline {
	return &Pipeline{store: s}
}

// Load returns the active entity set: every stored non-tombstoned entity,
// canonically ordered, with links resolved and duplicates reconciled.
// Reconciliation writes (survivor updates and loser tombstones) are
// persisted best-effort; a failed write-back is logged and does not fail
// the load, the same reconciliation will simply run again next time.
func (p *Pipeline) Load(ctx context.Context) ([]*taggable.Taggable, error) {
	logger := logr.FromContextOrDiscard(ctx)

	records, err := p.store.Find(ctx, store.Selector{Exists: []string{"type"}})
	if err != nil {
		return nil, fmt.Errorf("failed to query entity documents: %w", err)
	}

	entities := make([]*taggable.Taggable, 0, len(records))
	for _, rec := range records {
		entity, err := taggable.FromDoc(rec.ID, rec.Rev, rec.Deleted, rec.Doc)
		if err != nil {
			logger.Error(err, "Skipping unreadable document", "id", rec.ID)
			continue
		}
		entities = append(entities, entity)
	}

	taggable.Sort(entities)

	touched, err := p.reconcile(ctx, entities)
	if err != nil {
		return nil, err
	}
	p.persist(ctx, touched)

	byGUID := make(map[string]*taggable.Taggable, len(entities))
	for _, entity := range entities {
		if entity.Deleted {
			continue
		}
		byGUID[entity.GUID()] = entity
	}
	lookup := func(guid string) *taggable.Taggable { return byGUID[guid] }

	active := make([]*taggable.Taggable, 0, len(entities))
	for _, entity := range entities {
		if entity.Deleted {
			continue
		}
		entity.ResolveLinks(lookup)
		active = append(active, entity)
	}

	logger.Info("Entity set loaded",
		"stored", len(records),
		"active", len(active),
		"reconciled", len(touched))
	return active, nil
}

// reconcile collapses duplicate groups to one survivor each and returns
// every entity whose document changed in the process.
func (p *Pipeline) reconcile(ctx context.Context, entities []*taggable.Taggable) ([]*taggable.Taggable, error) {
	logger := logr.FromContextOrDiscard(ctx)

	var touched []*taggable.Taggable
	for _, group := range taggable.DuplicateGroups(entities) {
		survivor, losers := taggable.ElectSurvivor(group)
		survivorChanged := false

		for _, loser := range losers {
			changed, err := survivor.AbsorbDuplicate(loser)
			if err != nil {
				return nil, fmt.Errorf("failed to reconcile duplicate %s into %s: %w", loser.ID, survivor.ID, err)
			}
			survivorChanged = survivorChanged || changed
			touched = append(touched, loser)
		}
		if survivorChanged {
			touched = append(touched, survivor)
		}

		logger.V(1).Info("Reconciled duplicate group",
			"survivor", survivor.ID,
			"losers", len(losers))
	}
	return touched, nil
}

// persist writes reconciled entities back to the store. Failures are
// logged only; a conflict here means someone else already advanced the
// document and the next load will reconcile from the fresh state.
func (p *Pipeline) persist(ctx context.Context, touched []*taggable.Taggable) {
	logger := logr.FromContextOrDiscard(ctx)

	group := errgroup.Group{}
	group.SetLimit(writeConcurrency)

	for _, entity := range touched {
		group.Go(func() error {
			doc, err := entity.MarshalDoc()
			if err != nil {
				logger.Error(err, "Failed to serialize reconciled entity", "id", entity.ID)
				return nil
			}
			rec := &store.Record{ID: entity.ID, Rev: entity.Revision, Deleted: entity.Deleted, Doc: doc}
			if _, err := p.store.Put(ctx, rec); err != nil && !errors.Is(err, store.ErrConflict) {
				logger.Error(err, "Failed to persist reconciled entity", "id", entity.ID)
			} else if errors.Is(err, store.ErrConflict) {
				logger.V(1).Info("Reconciliation write lost a revision race", "id", entity.ID)
			}
			return nil
		})
	}

	_ = group.Wait()
}
