package tagservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/clouddeck/tagsync-server/internal/config"
	"github.com/clouddeck/tagsync-server/internal/fetch"
	"github.com/clouddeck/tagsync-server/internal/filter"
	"github.com/clouddeck/tagsync-server/internal/httpclient"
	"github.com/clouddeck/tagsync-server/internal/load"
	"github.com/clouddeck/tagsync-server/internal/merge"
	"github.com/clouddeck/tagsync-server/internal/projector"
	"github.com/clouddeck/tagsync-server/internal/region"
	"github.com/clouddeck/tagsync-server/internal/store"
	"github.com/clouddeck/tagsync-server/internal/taggable"
	"github.com/clouddeck/tagsync-server/internal/tokenstore"
)

var (
	// ErrRefreshInFlight is returned when a refresh is requested while
	// another one is still running.
	ErrRefreshInFlight = errors.New("a refresh is already in flight")

	// ErrUnknownTaggable is returned when no active entity has the
	// requested guid.
	ErrUnknownTaggable = errors.New("unknown taggable")
)

// Database names within the shared store backend
const (
	entityDatabase = "taggables"
	tagDatabase    = "tags"
)

// Navigator mirrors filter changes to an outward navigation collaborator.
// The service only ever calls it, never reads from it.
type Navigator interface {
	ShowFilter(text string)
}

// Option configures optional service collaborators
type Option func(*Service)

// WithNavigator sets the navigation collaborator
func WithNavigator(nav Navigator) Option {
	return func(s *Service) { s.navigator = nav }
}

// WithClient replaces the HTTP client, mainly for tests
func WithClient(client httpclient.Client) Option {
	return func(s *Service) { s.client = client }
}

// Service is the sync engine facade
type Service struct {
	logger    logr.Logger
	catalog   *region.Catalog
	client    httpclient.Client
	scheduler *fetch.Scheduler
	entities  store.Store
	tags      store.Store
	merger    *merge.Engine
	loader    *load.Pipeline
	stream    *projector.Projector
	tokens    tokenstore.Store
	navigator Navigator
	apiRoot   string

	refreshing atomic.Bool
	errs       chan error

	mu         sync.Mutex
	active     []*taggable.Taggable
	byGUID     map[string]*taggable.Taggable
	filterText string
	predicate  filter.Predicate
	cache      *filter.TypeCache
	token      string
}

// New wires a service from configuration. The opener provides the two
// logical databases; tokens provides the persisted API token, loaded once
// here and kept in memory afterwards.
func New(
	ctx context.Context,
	cfg *config.Config,
	opener store.Opener,
	tokens tokenstore.Store,
	opts ...Option,
) (*Service, error) {
	regions := make([]region.Region, 0, len(cfg.Regions))
	for _, rc := range cfg.Regions {
		regions = append(regions, region.Region{ID: rc.ID, DisplayName: rc.Label, Icon: rc.Icon})
	}
	catalog, err := region.NewCatalog(regions)
	if err != nil {
		return nil, fmt.Errorf("invalid region catalog: %w", err)
	}

	entityStore, err := opener.Open(ctx, entityDatabase)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", entityDatabase, err)
	}
	if err := entityStore.CreateIndex(ctx, "type", "tags"); err != nil {
		return nil, fmt.Errorf("failed to index %s database: %w", entityDatabase, err)
	}
	tagStore, err := opener.Open(ctx, tagDatabase)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", tagDatabase, err)
	}
	if err := tagStore.CreateIndex(ctx, "tag"); err != nil {
		return nil, fmt.Errorf("failed to index %s database: %w", tagDatabase, err)
	}

	s := &Service{
		logger:    logr.FromContextOrDiscard(ctx),
		catalog:   catalog,
		entities:  entityStore,
		tags:      tagStore,
		merger:    merge.NewEngine(entityStore),
		loader:    load.NewPipeline(entityStore),
		stream:    projector.New(),
		tokens:    tokens,
		apiRoot:   cfg.APIRoot,
		errs:      make(chan error, 16),
		byGUID:    map[string]*taggable.Taggable{},
		predicate: filter.Build(""),
		cache:     filter.NewTypeCache(),
	}

	token, err := tokens.Load()
	if err != nil && !errors.Is(err, tokenstore.ErrNoToken) {
		return nil, fmt.Errorf("failed to load API token: %w", err)
	}
	s.token = token

	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = httpclient.NewDefaultClient(0, s.Token)
	}
	s.scheduler = fetch.NewScheduler(fetch.NewFetcher(s.client, cfg.APIRoot), cfg.Sync.Concurrency)

	return s, nil
}

// Close shuts the snapshot stream down
func (s *Service) Close() {
	s.stream.Close()
}

// Subscribe returns a snapshot channel and its cancel function. Only
// snapshots published after subscribing are delivered.
func (s *Service) Subscribe() (<-chan projector.Snapshot, func()) {
	return s.stream.Subscribe()
}

// Errors exposes failures of background work, refresh transport errors
// included. The channel is never closed; sends are best-effort.
func (s *Service) Errors() <-chan error {
	return s.errs
}

// Regions returns the configured region catalog
func (s *Service) Regions() []region.Region {
	return s.catalog.Regions()
}

// Refreshing reports whether a refresh is currently in flight
func (s *Service) Refreshing() bool {
	return s.refreshing.Load()
}

// Refresh fetches, merges and reloads the full region matrix
func (s *Service) Refresh(ctx context.Context) error {
	return s.refresh(ctx, taggable.AllTypes)
}

// RefreshApps refreshes applications together with the organizations and
// spaces they link to, leaving the remaining types untouched.
func (s *Service) RefreshApps(ctx context.Context) error {
	return s.refresh(ctx, []taggable.Type{
		taggable.TypeOrganization,
		taggable.TypeSpace,
		taggable.TypeApplication,
	})
}

func (s *Service) refresh(ctx context.Context, types []taggable.Type) error {
	if !s.refreshing.CompareAndSwap(false, true) {
		return ErrRefreshInFlight
	}
	defer s.refreshing.Store(false)

	fetched, err := s.scheduler.Run(ctx, fetch.Tasks(s.catalog, types))
	if err != nil {
		s.reportError(fmt.Errorf("refresh failed: %w", err))
		return err
	}
	if _, err := s.merger.MergeAll(ctx, fetched); err != nil {
		s.reportError(fmt.Errorf("refresh failed: %w", err))
		return err
	}
	return s.Reload(ctx)
}

// Reload rebuilds the in-memory entity set from the store and publishes a
// fresh snapshot under the current filter.
func (s *Service) Reload(ctx context.Context) error {
	active, err := s.loader.Load(ctx)
	if err != nil {
		s.reportError(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
	s.byGUID = make(map[string]*taggable.Taggable, len(active))
	for _, entity := range active {
		s.byGUID[entity.GUID()] = entity
	}
	s.cache.Reset(active, s.predicate)
	s.publishLocked()
	return nil
}

// SetFilter replaces the filter expression. Setting the identical text is
// a complete no-op: nothing is recompiled and no snapshot is published.
func (s *Service) SetFilter(text string) {
	s.mu.Lock()
	if text == s.filterText {
		s.mu.Unlock()
		return
	}
	s.filterText = text
	s.predicate = filter.Build(text)
	s.cache.Reset(s.active, s.predicate)
	s.publishLocked()
	nav := s.navigator
	s.mu.Unlock()

	if nav != nil {
		nav.ShowFilter(text)
	}
}

// Filter returns the current filter expression
func (s *Service) Filter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterText
}

// publishLocked publishes the current projection. The caller must hold
// s.mu: building and delivering the snapshot under the lock keeps the
// stream ordered with the state changes that produced it, so a subscriber
// can never end up holding a stale last snapshot.
func (s *Service) publishLocked() {
	s.stream.Publish(projector.Snapshot{Entities: s.cache.All(), Filter: s.filterText})
}

// Taggable returns the active entity with the given guid, or nil
func (s *Service) Taggable(guid string) *taggable.Taggable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byGUID[guid]
}

// Filtered returns the active set under the current filter
func (s *Service) Filtered() []*taggable.Taggable {
	return s.cache.All()
}

// FilteredByType returns the current filtered set restricted to one type
func (s *Service) FilteredByType(entityType taggable.Type) []*taggable.Taggable {
	return s.cache.ByType(entityType)
}

// ByType returns all active entities of one type, ignoring the filter
func (s *Service) ByType(entityType taggable.Type) []*taggable.Taggable {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := []*taggable.Taggable{}
	for _, entity := range s.active {
		if entity.Type == entityType {
			matches = append(matches, entity)
		}
	}
	return matches
}

// FilteredMatching evaluates a transient expression over the active set
// without touching the stored filter.
func (s *Service) FilteredMatching(text string) []*taggable.Taggable {
	predicate := filter.Build(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	matches := []*taggable.Taggable{}
	for _, entity := range s.active {
		if predicate(entity) {
			matches = append(matches, entity)
		}
	}
	return matches
}

// FilteredMatchingByType is FilteredMatching restricted to one type
func (s *Service) FilteredMatchingByType(entityType taggable.Type, text string) []*taggable.Taggable {
	matches := []*taggable.Taggable{}
	for _, entity := range s.FilteredMatching(text) {
		if entity.Type == entityType {
			matches = append(matches, entity)
		}
	}
	return matches
}

func (s *Service) reportError(err error) {
	s.logger.Error(err, "Background operation failed")
	select {
	case s.errs <- err:
	default:
	}
}
