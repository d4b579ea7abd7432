package taggable

import (
	"slices"
	"strings"
)

// typeRank fixes the category order used for sorting and display
var typeRank = func() map[Type]int {
	ranks := make(map[Type]int, len(AllTypes))
	for i, t := range AllTypes {
		ranks[t] = i
	}
	return ranks
}()

// Compare imposes the total order used by the load pipeline: type category
// first, then case-insensitive name, then guid. Unknown types sort last.
// Two runs over identical data always produce the same order.
func Compare(a, b *Taggable) int {
	ra, aok := typeRank[a.Type]
	rb, bok := typeRank[b.Type]
	switch {
	case aok && !bok:
		return -1
	case !aok && bok:
		return 1
	case !aok && !bok:
		if c := strings.Compare(string(a.Type), string(b.Type)); c != 0 {
			return c
		}
	case ra != rb:
		return ra - rb
	}
	if c := strings.Compare(strings.ToLower(a.Name()), strings.ToLower(b.Name())); c != 0 {
		return c
	}
	return strings.Compare(a.GUID(), b.GUID())
}

// Sort sorts entities in place by Compare
func Sort(list []*Taggable) {
	slices.SortFunc(list, Compare)
}
