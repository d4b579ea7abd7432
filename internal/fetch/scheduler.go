package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/clouddeck/tagsync-server/internal/region"
	"github.com/clouddeck/tagsync-server/internal/taggable"
)

// CollectionPaths maps each resource type to the collection path fetched
// for it, relative to the region root.
var CollectionPaths = map[taggable.Type]string{
	taggable.TypeOrganization:    "/v2/organizations",
	taggable.TypeSpace:           "/v2/spaces",
	taggable.TypeApplication:     "/v2/apps",
	taggable.TypeServiceInstance: "/v2/service_instances",
	taggable.TypeServicePlan:     "/v2/service_plans",
	taggable.TypeService:         "/v2/services",
	taggable.TypeRoute:           "/v2/routes",
	taggable.TypeRouteMapping:    "/v2/route_mappings",
	taggable.TypeDomain:          "/v2/domains",
}

// Task is one fetch chain in a batch: one resource type in one region.
type Task struct {
	Region region.Region
	Path   string
	Type   taggable.Type
}

// Scheduler runs batches of fetch chains with bounded concurrency
type Scheduler struct {
	fetcher     *Fetcher
	concurrency int64
}

// NewScheduler creates a scheduler running at most concurrency chains at
// once. A non-positive concurrency is treated as 1.
func NewScheduler(fetcher *Fetcher, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{fetcher: fetcher, concurrency: int64(concurrency)}
}

// Tasks builds the full batch for the given regions: one task per
// (region, resource type) pair, for the types that have a collection path.
// The order is deterministic, regions in catalog order and types in
// canonical type order.
func Tasks(catalog *region.Catalog, types []taggable.Type) []Task {
	tasks := make([]Task, 0, catalog.Len()*len(types))
	for _, reg := range catalog.Regions() {
		for _, entityType := range types {
			path, ok := CollectionPaths[entityType]
			if !ok {
				continue
			}
			tasks = append(tasks, Task{Region: reg, Path: path, Type: entityType})
		}
	}
	return tasks
}

// Run executes the batch and returns the aggregated entities. At most the
// configured number of chains run concurrently. The first chain failure
// fails the batch: tasks not yet started are skipped, chains already in
// flight run to completion, and the aggregate is discarded so a failed
// batch contributes nothing downstream.
func (s *Scheduler) Run(ctx context.Context, tasks []Task) ([]*taggable.Taggable, error) {
	logger := logr.FromContextOrDiscard(ctx)

	acc := NewAccumulator()
	sem := semaphore.NewWeighted(s.concurrency)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			record(fmt.Errorf("fetch batch interrupted: %w", err))
			break
		}
		if failed() {
			sem.Release(1)
			break
		}

		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer sem.Release(1)

			if err := s.fetcher.FetchChain(ctx, task.Region, task.Path, task.Type, acc); err != nil {
				record(err)
			}
		}(task)
	}

	wg.Wait()

	if err := firstErr; err != nil {
		logger.Error(err, "Fetch batch failed, discarding partial results",
			"tasks", len(tasks),
			"discarded", acc.Len())
		return nil, err
	}

	logger.Info("Fetch batch complete",
		"tasks", len(tasks),
		"entities", acc.Len())
	return acc.Entities(), nil
}
