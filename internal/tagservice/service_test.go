package tagservice_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clouddeck/tagsync-server/internal/config"
	"github.com/clouddeck/tagsync-server/internal/projector"
	"github.com/clouddeck/tagsync-server/internal/store"
	"github.com/clouddeck/tagsync-server/internal/taggable"
	"github.com/clouddeck/tagsync-server/internal/tagservice"
	"github.com/clouddeck/tagsync-server/internal/tokenstore"
)

const emptyPage = `{"resources":[],"next_url":null}`

// fakeAPI serves a region API: every collection path yields an empty page
// unless a page was planted for it.
type fakeAPI struct {
	mu    sync.Mutex
	pages map[string]string
	fail  map[string]bool
	reqs  []recordedRequest
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: map[string]string{}, fail: map[string]bool{}}
}

func (f *fakeAPI) setPage(path, page string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[path] = page
}

func (f *fakeAPI) failPath(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[path] = true
}

func (f *fakeAPI) requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest{}, f.reqs...)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body strings.Builder
	if r.Body != nil {
		buf := make([]byte, 4096)
		for {
			n, err := r.Body.Read(buf)
			body.Write(buf[:n])
			if err != nil {
				break
			}
		}
	}

	f.mu.Lock()
	f.reqs = append(f.reqs, recordedRequest{
		Method: r.Method,
		Path:   r.URL.RequestURI(),
		Body:   body.String(),
		Auth:   r.Header.Get("Authorization"),
	})
	page, planted := f.pages[r.URL.RequestURI()]
	shouldFail := f.fail[r.URL.RequestURI()]
	f.mu.Unlock()

	if shouldFail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		w.Write([]byte(`{}`))
		return
	}
	if !planted {
		page = emptyPage
	}
	w.Write([]byte(page))
}

func appPage(guidNames ...string) string {
	resources := make([]string, 0, len(guidNames)/2)
	for i := 0; i+1 < len(guidNames); i += 2 {
		resources = append(resources, fmt.Sprintf(
			`{"metadata":{"guid":%q},"entity":{"name":%q,"state":"STARTED"}}`,
			guidNames[i], guidNames[i+1]))
	}
	return fmt.Sprintf(`{"resources":[%s],"next_url":null}`, strings.Join(resources, ","))
}

type testHarness struct {
	svc    *tagservice.Service
	api    *fakeAPI
	opener store.Opener
	tokens tokenstore.Store
}

func newHarness(t *testing.T, opts ...tagservice.Option) *testHarness {
	t.Helper()

	api := newFakeAPI()
	server := httptest.NewServer(api)
	server.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		APIRoot: server.URL,
		Regions: []config.RegionConfig{{ID: "us", Label: "US East"}},
		Sync:    config.SyncConfig{Concurrency: 2},
	}

	opener := store.NewMemoryOpener()
	tokens := tokenstore.NewFileStore(filepath.Join(t.TempDir(), "token"))

	svc, err := tagservice.New(context.Background(), cfg, opener, tokens, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &testHarness{svc: svc, api: api, opener: opener, tokens: tokens}
}

func receiveSnapshot(t *testing.T, ch <-chan projector.Snapshot) projector.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "snapshot channel closed unexpectedly")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a snapshot")
		return projector.Snapshot{}
	}
}

func assertNoSnapshot(t *testing.T, ch <-chan projector.Snapshot) {
	t.Helper()
	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot with filter %q", snap.Filter)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRefreshPopulatesAndPublishes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.setPage("/us/v2/apps", appPage("a-1", "billing", "a-2", "frontend"))
	h.api.setPage("/us/v2/organizations", appPage("o-1", "acme"))

	snapshots, cancel := h.svc.Subscribe()
	defer cancel()

	require.NoError(t, h.svc.Refresh(context.Background()))
	assert.False(t, h.svc.Refreshing())

	snap := receiveSnapshot(t, snapshots)
	assert.Len(t, snap.Entities, 3)

	entity := h.svc.Taggable("a-1")
	require.NotNil(t, entity)
	assert.Equal(t, "billing", entity.Name())
	assert.Equal(t, "us", entity.Region)
}

func TestFailedRefreshLeavesStoreAndProjectionUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.api.setPage("/us/v2/apps", appPage("a-1", "billing"))
	require.NoError(t, h.svc.Refresh(ctx))
	require.Len(t, h.svc.Filtered(), 1)

	// Upstream now has a new app, but one collection fails.
	h.api.setPage("/us/v2/apps", appPage("a-1", "billing", "a-2", "frontend"))
	h.api.failPath("/us/v2/spaces")

	snapshots, cancel := h.svc.Subscribe()
	defer cancel()

	err := h.svc.Refresh(ctx)
	require.Error(t, err)
	assert.False(t, h.svc.Refreshing(), "the refreshing flag clears on failure")

	// Nothing from the failed batch reached the store.
	entityStore, err := h.opener.Open(ctx, "taggables")
	require.NoError(t, err)
	_, err = entityStore.Get(ctx, "application-a-2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Len(t, h.svc.Filtered(), 1, "the projection keeps the last good set")
	assertNoSnapshot(t, snapshots)

	select {
	case reported := <-h.svc.Errors():
		assert.Error(t, reported)
	case <-time.After(time.Second):
		t.Fatal("the failure must surface on the error stream")
	}
}

func TestConcurrentRefreshIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	release := make(chan struct{})
	h.api.setPage("/us/v2/apps", appPage("a-1", "billing"))

	slowAPI := h.api
	blocking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		slowAPI.ServeHTTP(w, r)
	})
	server := httptest.NewServer(blocking)
	server.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		APIRoot: server.URL,
		Regions: []config.RegionConfig{{ID: "us", Label: "US East"}},
		Sync:    config.SyncConfig{Concurrency: 2},
	}
	svc, err := tagservice.New(context.Background(), cfg,
		store.NewMemoryOpener(), tokenstore.NewFileStore(filepath.Join(t.TempDir(), "token")))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	done := make(chan error, 1)
	go func() { done <- svc.Refresh(context.Background()) }()

	require.Eventually(t, svc.Refreshing, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, svc.Refresh(context.Background()), tagservice.ErrRefreshInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, svc.Refreshing())
}

func TestSetFilterIdenticalTextIsNoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.setPage("/us/v2/apps", appPage("a-1", "database-1", "a-2", "frontend"))
	require.NoError(t, h.svc.Refresh(context.Background()))

	snapshots, cancel := h.svc.Subscribe()
	defer cancel()

	h.svc.SetFilter("database")
	snap := receiveSnapshot(t, snapshots)
	assert.Equal(t, "database", snap.Filter)
	require.Len(t, snap.Entities, 1)

	// The identical text again: no recompute, no notification.
	h.svc.SetFilter("database")
	assertNoSnapshot(t, snapshots)

	// A different text publishes again.
	h.svc.SetFilter("")
	snap = receiveSnapshot(t, snapshots)
	assert.Len(t, snap.Entities, 2)
}

func TestFilterMirrorsToNavigator(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		shown []string
	)
	nav := navigatorFunc(func(text string) {
		mu.Lock()
		defer mu.Unlock()
		shown = append(shown, text)
	})

	h := newHarness(t, tagservice.WithNavigator(nav))

	h.svc.SetFilter("tag:prod")
	h.svc.SetFilter("tag:prod") // no-op, must not mirror again

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tag:prod"}, shown)
}

type navigatorFunc func(string)

func (f navigatorFunc) ShowFilter(text string) { f(text) }

func TestTransientFilterQueries(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.setPage("/us/v2/apps", appPage("a-1", "database-1", "a-2", "frontend"))
	h.api.setPage("/us/v2/service_instances", appPage("si-1", "database-backing"))
	require.NoError(t, h.svc.Refresh(context.Background()))

	_, err := h.svc.ReplaceTags(context.Background(), "a-1", []string{"prod"})
	require.NoError(t, err)

	matches := h.svc.FilteredMatching("tag:prod database")
	require.Len(t, matches, 1)
	assert.Equal(t, "database-1", matches[0].Name())

	assert.Empty(t, h.svc.FilteredMatchingByType(taggable.TypeServiceInstance, "tag:prod database"))
	assert.Equal(t, "", h.svc.Filter(), "transient queries leave the stored filter alone")
}

func TestReplaceTagsLeavesSharedEntityUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.api.setPage("/us/v2/apps", appPage("a-1", "billing"))
	require.NoError(t, h.svc.Refresh(ctx))

	// A reader holds the published entity, the way a snapshot consumer or
	// a concurrent filter evaluation would.
	before := h.svc.Taggable("a-1")
	require.NotNil(t, before)
	require.Empty(t, before.Tags)

	edited, err := h.svc.ReplaceTags(ctx, "a-1", []string{"prod", "prod", "billing-team"})
	require.NoError(t, err)

	assert.Empty(t, before.Tags, "the previously published entity is never edited in place")
	assert.NotSame(t, before, edited)
	assert.ElementsMatch(t, []string{"prod", "billing-team"}, edited.Tags)

	assert.Same(t, edited, h.svc.Taggable("a-1"), "the edited copy takes over the active set")
	require.Len(t, h.svc.FilteredMatching("tag:prod"), 1)

	// The new tags are persisted and recorded in the directory.
	entityStore, err := h.opener.Open(ctx, "taggables")
	require.NoError(t, err)
	rec, err := entityStore.Get(ctx, edited.ID)
	require.NoError(t, err)
	stored, err := taggable.FromDoc(rec.ID, rec.Rev, rec.Deleted, rec.Doc)
	require.NoError(t, err)
	assert.True(t, stored.HasTag("prod"))

	tags, err := h.svc.KnownTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing-team", "prod"}, tags)

	_, err = h.svc.ReplaceTags(ctx, "no-such-guid", []string{"prod"})
	assert.ErrorIs(t, err, tagservice.ErrUnknownTaggable)
}

func TestSaveTaggableRetriesOnConflict(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.api.setPage("/us/v2/apps", appPage("a-1", "billing"))
	require.NoError(t, h.svc.Refresh(ctx))

	published := h.svc.Taggable("a-1")
	require.NotNil(t, published)
	entity := published.Clone()

	// Another writer advances the document, making the entity's revision
	// stale before the save.
	entityStore, err := h.opener.Open(ctx, "taggables")
	require.NoError(t, err)
	rec, err := entityStore.Get(ctx, entity.ID)
	require.NoError(t, err)
	_, err = entityStore.Put(ctx, &store.Record{ID: rec.ID, Rev: rec.Rev, Doc: rec.Doc})
	require.NoError(t, err)

	entity.AddTag("prod")
	require.NoError(t, h.svc.SaveTaggable(ctx, entity))

	rec, err = entityStore.Get(ctx, entity.ID)
	require.NoError(t, err)
	saved, err := taggable.FromDoc(rec.ID, rec.Rev, rec.Deleted, rec.Doc)
	require.NoError(t, err)
	assert.True(t, saved.HasTag("prod"))
	assert.Equal(t, rec.Rev, entity.Revision, "the entity carries the new revision")
}

// recordingOpener wraps an Opener and records every index declaration per
// logical database.
type recordingOpener struct {
	inner   store.Opener
	mu      sync.Mutex
	indexes map[string][][]string
}

func newRecordingOpener(inner store.Opener) *recordingOpener {
	return &recordingOpener{inner: inner, indexes: map[string][][]string{}}
}

func (o *recordingOpener) Open(ctx context.Context, name string) (store.Store, error) {
	inner, err := o.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &recordingStore{Store: inner, name: name, opener: o}, nil
}

func (o *recordingOpener) declared(name string) [][]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.indexes[name]
}

type recordingStore struct {
	store.Store
	name   string
	opener *recordingOpener
}

func (s *recordingStore) CreateIndex(ctx context.Context, fields ...string) error {
	s.opener.mu.Lock()
	s.opener.indexes[s.name] = append(s.opener.indexes[s.name], fields)
	s.opener.mu.Unlock()
	return s.Store.CreateIndex(ctx, fields...)
}

func TestNewDeclaresQueryIndexes(t *testing.T) {
	t.Parallel()

	opener := newRecordingOpener(store.NewMemoryOpener())
	cfg := &config.Config{
		APIRoot: "http://api.invalid",
		Regions: []config.RegionConfig{{ID: "us", Label: "US East"}},
		Sync:    config.SyncConfig{Concurrency: 2},
	}
	svc, err := tagservice.New(context.Background(), cfg, opener,
		tokenstore.NewFileStore(filepath.Join(t.TempDir(), "token")))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	// Both fields the engine queries on must be covered on the entity
	// database; the tag directory is queried by its tag field.
	assert.Equal(t, [][]string{{"type", "tags"}}, opener.declared("taggables"))
	assert.Equal(t, [][]string{{"tag"}}, opener.declared("tags"))
}

func TestRefreshAppsCoversLinkedTypes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.svc.RefreshApps(context.Background()))

	fetched := map[string]bool{}
	for _, req := range h.api.requests() {
		fetched[req.Path] = true
	}

	// Applications link to spaces, spaces to organizations; a partial
	// refresh that skipped them would leave dangling links.
	assert.True(t, fetched["/us/v2/apps"])
	assert.True(t, fetched["/us/v2/spaces"])
	assert.True(t, fetched["/us/v2/organizations"])

	assert.False(t, fetched["/us/v2/routes"], "unrelated collections stay untouched")
	assert.False(t, fetched["/us/v2/services"], "unrelated collections stay untouched")
}

func TestSnapshotsMatchTheirFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.api.setPage("/us/v2/apps", appPage("a-1", "billing", "a-2", "frontend"))
	require.NoError(t, h.svc.Refresh(ctx))
	_, err := h.svc.ReplaceTags(ctx, "a-1", []string{"prod"})
	require.NoError(t, err)

	snapshots, cancel := h.svc.Subscribe()
	defer cancel()

	// Two writers alternate the filter while a consumer drains. Conflation
	// may drop intermediate snapshots, but every delivered snapshot must
	// carry the entity set its own filter text selects.
	var writers sync.WaitGroup
	for _, text := range []string{"tag:prod", ""} {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for i := 0; i < 50; i++ {
				h.svc.SetFilter(text)
			}
		}()
	}

	done := make(chan struct{})
	go func() { writers.Wait(); close(done) }()

	for drained := false; !drained; {
		select {
		case snap := <-snapshots:
			switch snap.Filter {
			case "tag:prod":
				require.Len(t, snap.Entities, 1, "a tag:prod snapshot must hold the tagged entity only")
			case "":
				require.Len(t, snap.Entities, 2, "an unfiltered snapshot must hold the full set")
			default:
				t.Fatalf("unexpected filter %q", snap.Filter)
			}
		case <-done:
			drained = true
		}
	}
}

func TestKnownTagsDirectory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.AddKnownTag(ctx, "prod"))
	require.NoError(t, h.svc.AddKnownTag(ctx, "Prod")) // duplicate, different case
	require.NoError(t, h.svc.AddKnownTag(ctx, "billing-team"))
	require.NoError(t, h.svc.AddKnownTag(ctx, "  ")) // blank, ignored

	tags, err := h.svc.KnownTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing-team", "prod"}, tags)
}

func TestTokenPersistsAndAuthenticates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.SetToken("secret-token"))
	assert.Equal(t, "secret-token", h.svc.Token())

	stored, err := h.tokens.Load()
	require.NoError(t, err)
	assert.Equal(t, "secret-token", stored)

	require.NoError(t, h.svc.Refresh(ctx))
	for _, req := range h.api.requests() {
		assert.Equal(t, "secret-token", req.Auth)
	}
}

func TestAppOperations(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.api.setPage("/us/v2/apps", appPage("a-1", "billing"))
	require.NoError(t, h.svc.Refresh(ctx))

	require.NoError(t, h.svc.StopApp(ctx, "a-1"))
	require.NoError(t, h.svc.StartApp(ctx, "a-1"))
	require.NoError(t, h.svc.KillFirstAppInstance(ctx, "a-1"))

	var puts, deletes []recordedRequest
	for _, req := range h.api.requests() {
		switch req.Method {
		case http.MethodPut:
			puts = append(puts, req)
		case http.MethodDelete:
			deletes = append(deletes, req)
		}
	}

	require.Len(t, puts, 2)
	assert.Equal(t, "/us/v2/apps/a-1", puts[0].Path)
	assert.JSONEq(t, `{"state":"STOPPED"}`, puts[0].Body)
	assert.JSONEq(t, `{"state":"STARTED"}`, puts[1].Body)

	require.Len(t, deletes, 1)
	assert.Equal(t, "/us/v2/apps/a-1/instances/0", deletes[0].Path)

	assert.Error(t, h.svc.StartApp(ctx, "no-such-guid"))
}
