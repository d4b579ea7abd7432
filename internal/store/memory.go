package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
)

// memoryStore is the in-process Store implementation. It backs tests and
// single-node deployments that can afford to resync after a restart.
type memoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	indexes map[string]struct{}
}

var _ Store = (*memoryStore)(nil)

// NewMemoryStore creates an empty in-memory document store
func NewMemoryStore() Store {
	return &memoryStore{
		records: make(map[string]*Record),
		indexes: make(map[string]struct{}),
	}
}

// memoryOpener hands out one memory store per database name
type memoryOpener struct {
	mu        sync.Mutex
	databases map[string]Store
}

var _ Opener = (*memoryOpener)(nil)

// NewMemoryOpener creates an Opener backed by in-memory stores
func NewMemoryOpener() Opener {
	return &memoryOpener{databases: make(map[string]Store)}
}

// Open returns the named database, creating it on first use
func (o *memoryOpener) Open(_ context.Context, name string) (Store, error) {
	if name == "" {
		return nil, fmt.Errorf("database name is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	db, ok := o.databases[name]
	if !ok {
		db = NewMemoryStore()
		o.databases[name] = db
	}
	return db, nil
}

// Get implements Store.Get
func (s *memoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return copyRecord(rec), nil
}

// Put implements Store.Put
func (s *memoryStore) Put(_ context.Context, rec *Record) (string, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("record id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[rec.ID]
	if exists && rec.Rev != current.Rev {
		return "", fmt.Errorf("put %s: presented rev %q, stored rev %q: %w",
			rec.ID, rec.Rev, current.Rev, ErrConflict)
	}
	if !exists && rec.Rev != "" {
		return "", fmt.Errorf("put %s: presented rev %q for a new document: %w",
			rec.ID, rec.Rev, ErrConflict)
	}

	stored := copyRecord(rec)
	stored.Rev = nextRev(rec.Rev)
	s.records[rec.ID] = stored
	return stored.Rev, nil
}

// Find implements Store.Find
func (s *memoryStore) Find(_ context.Context, sel Selector) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Record
	for _, rec := range s.records {
		if matches(rec, sel) {
			results = append(results, copyRecord(rec))
		}
	}
	return results, nil
}

// CreateIndex implements Store.CreateIndex. The memory store scans on every
// query; the declaration is recorded so redeclaration stays a no-op.
func (s *memoryStore) CreateIndex(_ context.Context, fields ...string) error {
	if len(fields) == 0 {
		return fmt.Errorf("at least one index field is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range fields {
		s.indexes[f] = struct{}{}
	}
	return nil
}

func matches(rec *Record, sel Selector) bool {
	for _, field := range sel.Exists {
		if !gjson.GetBytes(rec.Doc, field).Exists() {
			return false
		}
	}
	return true
}

func copyRecord(rec *Record) *Record {
	doc := make([]byte, len(rec.Doc))
	copy(doc, rec.Doc)
	return &Record{
		ID:      rec.ID,
		Rev:     rec.Rev,
		Deleted: rec.Deleted,
		Doc:     doc,
	}
}
