package filter_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clouddeck/tagsync-server/internal/filter"
	"github.com/clouddeck/tagsync-server/internal/taggable"
)

func entity(t *testing.T, entityType taggable.Type, guid, name string, tags ...string) *taggable.Taggable {
	t.Helper()
	target := fmt.Sprintf(`{"metadata":{"guid":%q},"entity":{"name":%q}}`, guid, name)
	e, err := taggable.New(entityType, "us", []byte(target))
	require.NoError(t, err)
	for _, tag := range tags {
		e.AddTag(tag)
	}
	return e
}

func TestBuildMatching(t *testing.T) {
	t.Parallel()

	billing := entity(t, taggable.TypeApplication, "a-1", "billing-database", "prod")
	frontend := entity(t, taggable.TypeApplication, "a-2", "frontend", "prod", "web")
	devDB := entity(t, taggable.TypeServiceInstance, "si-1", "orders-db", "dev")

	tests := []struct {
		name    string
		text    string
		matches []*taggable.Taggable
	}{
		{
			name:    "empty expression accepts everything",
			text:    "",
			matches: []*taggable.Taggable{billing, frontend, devDB},
		},
		{
			name:    "whitespace only accepts everything",
			text:    "   \t ",
			matches: []*taggable.Taggable{billing, frontend, devDB},
		},
		{
			name:    "substring of name",
			text:    "front",
			matches: []*taggable.Taggable{frontend},
		},
		{
			name:    "substring is case-insensitive",
			text:    "FRONT",
			matches: []*taggable.Taggable{frontend},
		},
		{
			name:    "substring of a tag",
			text:    "we",
			matches: []*taggable.Taggable{frontend},
		},
		{
			name:    "substring of the type name",
			text:    "serviceinst",
			matches: []*taggable.Taggable{devDB},
		},
		{
			name:    "exact tag term",
			text:    "tag:prod",
			matches: []*taggable.Taggable{billing, frontend},
		},
		{
			name:    "exact tag term does not substring-match",
			text:    "tag:pro",
			matches: nil,
		},
		{
			name:    "terms are conjunctive",
			text:    "tag:prod database",
			matches: []*taggable.Taggable{billing},
		},
	}

	all := []*taggable.Taggable{billing, frontend, devDB}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			predicate := filter.Build(tt.text)
			var got []*taggable.Taggable
			for _, e := range all {
				if predicate(e) {
					got = append(got, e)
				}
			}
			assert.Equal(t, tt.matches, got)
		})
	}
}

func TestBuildIsTotal(t *testing.T) {
	t.Parallel()

	inputs := []string{"", "   ", "tag:", "tag:tag:x", ":::", "((", "\x00weird"}
	e := entity(t, taggable.TypeApplication, "a-1", "billing")

	for _, text := range inputs {
		predicate := filter.Build(text)
		require.NotNil(t, predicate)
		_ = predicate(e) // must not panic on any input
	}
}

func TestTypeCacheMemoizesAndResets(t *testing.T) {
	t.Parallel()

	billing := entity(t, taggable.TypeApplication, "a-1", "billing", "prod")
	org := entity(t, taggable.TypeOrganization, "o-1", "acme")

	cache := filter.NewTypeCache()
	cache.Reset([]*taggable.Taggable{org, billing}, filter.Build(""))

	assert.Len(t, cache.All(), 2)
	assert.Equal(t, []*taggable.Taggable{billing}, cache.ByType(taggable.TypeApplication))

	// Narrowing the expression invalidates the memoized views.
	cache.Reset([]*taggable.Taggable{org, billing}, filter.Build("tag:prod"))
	assert.Equal(t, []*taggable.Taggable{billing}, cache.All())
	assert.Empty(t, cache.ByType(taggable.TypeOrganization))
}
