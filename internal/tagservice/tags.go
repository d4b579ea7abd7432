package tagservice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/clouddeck/tagsync-server/internal/store"
	"github.com/clouddeck/tagsync-server/internal/taggable"
)

const saveAttempts = 3

// ReplaceTags replaces the tag set of the active entity with the given
// guid and persists it. The published entity is never mutated: a copy
// carries the new tags, and only after the write succeeds does the copy
// take the original's place in the active set, so concurrent readers and
// snapshot holders keep seeing a consistent entity throughout.
func (s *Service) ReplaceTags(ctx context.Context, guid string, tags []string) (*taggable.Taggable, error) {
	s.mu.Lock()
	current := s.byGUID[guid]
	s.mu.Unlock()
	if current == nil {
		return nil, ErrUnknownTaggable
	}

	edited := current.Clone()
	edited.Tags = nil
	for _, tag := range tags {
		edited.AddTag(tag)
	}

	rev, err := s.persistTags(ctx, edited.ID, edited.Tags)
	if err != nil {
		return nil, err
	}
	edited.Revision = rev
	s.recordKnownTags(ctx, edited.Tags)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byGUID[guid] == current {
		s.byGUID[guid] = edited
		for i, entity := range s.active {
			if entity == current {
				s.active[i] = edited
				break
			}
		}
		edited.ResolveLinks(func(g string) *taggable.Taggable { return s.byGUID[g] })
		s.cache.Reset(s.active, s.predicate)
		s.publishLocked()
	}
	return edited, nil
}

// SaveTaggable persists the entity's current tags. On a revision conflict
// the tags are re-applied onto the freshly stored document and the write
// is retried, so a concurrent target overlay is never undone by a tag
// edit. Every saved tag is also recorded in the known-tag directory.
//
// The caller owns the entity; edits of entities in the published active
// set go through ReplaceTags instead.
func (s *Service) SaveTaggable(ctx context.Context, entity *taggable.Taggable) error {
	rev, err := s.persistTags(ctx, entity.ID, entity.Tags)
	if err != nil {
		return err
	}
	entity.Revision = rev
	s.recordKnownTags(ctx, entity.Tags)

	// Tag changes move entities in and out of the filtered views.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Reset(s.active, s.predicate)
	s.publishLocked()

	return nil
}

// persistTags writes the tag set onto the stored document, retrying a
// bounded number of times on revision conflicts by re-applying the tags
// onto the freshly stored document.
func (s *Service) persistTags(ctx context.Context, id string, tags []string) (string, error) {
	tags = append([]string{}, tags...)

	operation := func() (string, error) {
		current, err := s.entities.Get(ctx, id)
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("failed to read %s: %w", id, err))
		}

		stored, err := taggable.FromDoc(current.ID, current.Rev, current.Deleted, current.Doc)
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("stored document %s is unreadable: %w", current.ID, err))
		}
		stored.Tags = append([]string{}, tags...)

		doc, err := stored.MarshalDoc()
		if err != nil {
			return "", backoff.Permanent(err)
		}

		rev, err := s.entities.Put(ctx, &store.Record{
			ID:      stored.ID,
			Rev:     current.Rev,
			Deleted: current.Deleted,
			Doc:     doc,
		})
		if errors.Is(err, store.ErrConflict) {
			return "", err // retryable
		}
		if err != nil {
			return "", backoff.Permanent(err)
		}
		return rev, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 10 * time.Millisecond

	rev, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(saveAttempts))
	if err != nil {
		return "", fmt.Errorf("failed to save %s: %w", id, err)
	}
	return rev, nil
}

func (s *Service) recordKnownTags(ctx context.Context, tags []string) {
	for _, tag := range tags {
		if err := s.AddKnownTag(ctx, tag); err != nil {
			s.logger.Error(err, "Failed to record known tag", "tag", tag)
		}
	}
}

// AddKnownTag records a tag in the autocompletion directory. Recording a
// tag that is already known is a no-op.
func (s *Service) AddKnownTag(ctx context.Context, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil
	}

	id := "tag-" + strings.ToLower(tag)
	doc := fmt.Sprintf(`{"tag":%q}`, strings.ToLower(tag))

	_, err := s.tags.Put(ctx, &store.Record{ID: id, Doc: []byte(doc)})
	if errors.Is(err, store.ErrConflict) {
		return nil // already known
	}
	if err != nil {
		return fmt.Errorf("failed to record tag %q: %w", tag, err)
	}
	return nil
}

// KnownTags returns every recorded tag, sorted
func (s *Service) KnownTags(ctx context.Context) ([]string, error) {
	records, err := s.tags.Find(ctx, store.Selector{Exists: []string{"tag"}})
	if err != nil {
		return nil, fmt.Errorf("failed to query known tags: %w", err)
	}

	tags := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		if tag := gjson.GetBytes(rec.Doc, "tag").String(); tag != "" {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}
