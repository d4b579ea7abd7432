// Package filter compiles free-text filter expressions into entity
// predicates.
//
// An expression is a whitespace-separated list of terms that must all
// match. A term of the form "tag:VALUE" matches entities carrying exactly
// that tag; any other term matches case-insensitively as a substring of
// the entity name, its tags or its type name. Compilation is total: any
// input, including the empty string, yields a usable predicate.
package filter

import (
	"strings"

	"github.com/clouddeck/tagsync-server/internal/taggable"
)

// tagPrefix introduces an exact-tag term
const tagPrefix = "tag:"

// Predicate reports whether an entity matches a compiled expression
type Predicate func(*taggable.Taggable) bool

// Build compiles text into a predicate. The empty expression accepts
// everything.
func Build(text string) Predicate {
	terms := strings.Fields(text)
	if len(terms) == 0 {
		return func(*taggable.Taggable) bool { return true }
	}

	matchers := make([]Predicate, 0, len(terms))
	for _, term := range terms {
		if rest, ok := strings.CutPrefix(strings.ToLower(term), tagPrefix); ok {
			matchers = append(matchers, hasExactTag(rest))
			continue
		}
		matchers = append(matchers, containsTerm(strings.ToLower(term)))
	}

	return func(entity *taggable.Taggable) bool {
		for _, matches := range matchers {
			if !matches(entity) {
				return false
			}
		}
		return true
	}
}

// hasExactTag matches entities carrying the tag, ignoring case
func hasExactTag(tag string) Predicate {
	return func(entity *taggable.Taggable) bool {
		return entity.HasTag(tag)
	}
}

// containsTerm matches the term as a substring of the entity name, any of
// its tags or its type name, ignoring case.
func containsTerm(term string) Predicate {
	return func(entity *taggable.Taggable) bool {
		if strings.Contains(strings.ToLower(entity.Name()), term) {
			return true
		}
		for _, tag := range entity.Tags {
			if strings.Contains(strings.ToLower(tag), term) {
				return true
			}
		}
		return strings.Contains(strings.ToLower(string(entity.Type)), term)
	}
}
