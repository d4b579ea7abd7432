package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/clouddeck/tagsync-server/internal/httpclient"
	"github.com/clouddeck/tagsync-server/internal/region"
	"github.com/clouddeck/tagsync-server/internal/taggable"
)

// pageResponse is one page of a paginated collection
type pageResponse struct {
	Resources []json.RawMessage `json:"resources"`
	NextURL   string            `json:"next_url,omitempty"`
}

// Accumulator collects entities emitted by concurrent fetch chains.
// Appends within one chain happen in page order; no order is guaranteed
// across chains.
type Accumulator struct {
	mu       sync.Mutex
	entities []*taggable.Taggable
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append adds entities to the accumulator
func (a *Accumulator) Append(entities ...*taggable.Taggable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entities = append(a.entities, entities...)
}

// Entities returns a snapshot of everything accumulated so far
func (a *Accumulator) Entities() []*taggable.Taggable {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*taggable.Taggable{}, a.entities...)
}

// Len returns the number of accumulated entities
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entities)
}

// Fetcher walks paginated collections of one region API
type Fetcher struct {
	client  httpclient.Client
	apiRoot string
}

// NewFetcher creates a fetcher issuing requests through client against the
// given API root. Region ids are appended as the first path segment.
func NewFetcher(client httpclient.Client, apiRoot string) *Fetcher {
	for len(apiRoot) > 0 && apiRoot[len(apiRoot)-1] == '/' {
		apiRoot = apiRoot[:len(apiRoot)-1]
	}
	return &Fetcher{client: client, apiRoot: apiRoot}
}

// FetchChain fetches the collection at path for one region, converts every
// resource into an unpersisted Taggable of the given type and appends them
// to acc, following next_url continuations until exhausted. On transport or
// non-success failure the chain stops without retrying; pages appended
// before the failure stay in the accumulator and it is the caller's job to
// discard the aggregate.
func (f *Fetcher) FetchChain(
	ctx context.Context,
	reg region.Region,
	path string,
	entityType taggable.Type,
	acc *Accumulator,
) error {
	logger := logr.FromContextOrDiscard(ctx)

	for path != "" {
		url := f.apiRoot + "/" + reg.ID + path

		data, err := f.client.Get(ctx, url)
		if err != nil {
			return fmt.Errorf("fetch of %s resources from region %s failed: %w", entityType, reg.ID, err)
		}

		var page pageResponse
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("failed to parse %s page from region %s: %w", entityType, reg.ID, err)
		}

		converted := make([]*taggable.Taggable, 0, len(page.Resources))
		for _, resource := range page.Resources {
			entity, err := taggable.New(entityType, reg.ID, resource)
			if err != nil {
				logger.Error(err, "Skipping malformed resource",
					"region", reg.ID,
					"type", entityType)
				continue
			}
			converted = append(converted, entity)
		}
		acc.Append(converted...)

		logger.V(1).Info("Fetched page",
			"region", reg.ID,
			"type", entityType,
			"resources", len(page.Resources),
			"next", page.NextURL != "")

		path = page.NextURL
	}

	return nil
}
