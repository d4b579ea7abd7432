package taggable

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RevisionGeneration parses the leading generation counter out of a store
// revision token ("3-af91..." yields 3). Unparseable or empty revisions
// count as generation 0.
func RevisionGeneration(revision string) int {
	gen, _, found := strings.Cut(revision, "-")
	if !found {
		return 0
	}
	n, err := strconv.Atoi(gen)
	if err != nil {
		return 0
	}
	return n
}

// DuplicateGroups scans the given entities for groups representing the same
// logical remote resource (same normalized type and guid) under different
// document ids. Tombstoned entities never join a group; a surviving entity
// must not be re-merged against an already reconciled loser.
func DuplicateGroups(list []*Taggable) [][]*Taggable {
	byKey := make(map[string][]*Taggable)
	var order []string
	for _, t := range list {
		if t.Deleted {
			continue
		}
		key := string(t.Type) + "\x00" + t.GUID()
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], t)
	}

	var groups [][]*Taggable
	for _, key := range order {
		if group := byKey[key]; len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// ElectSurvivor picks the canonical entity of a duplicate group and returns
// it together with the losers. Preference order: an id already matching the
// canonical "<type>-<guid>" scheme, then the deeper revision chain, then
// the lexicographically smaller id.
func ElectSurvivor(group []*Taggable) (*Taggable, []*Taggable) {
	survivor := group[0]
	for _, candidate := range group[1:] {
		if preferred(candidate, survivor) {
			survivor = candidate
		}
	}

	losers := make([]*Taggable, 0, len(group)-1)
	for _, t := range group {
		if t != survivor {
			losers = append(losers, t)
		}
	}
	return survivor, losers
}

func preferred(a, b *Taggable) bool {
	if a.HasCanonicalID() != b.HasCanonicalID() {
		return a.HasCanonicalID()
	}
	ga, gb := RevisionGeneration(a.Revision), RevisionGeneration(b.Revision)
	if ga != gb {
		return ga > gb
	}
	return a.ID < b.ID
}

// AbsorbDuplicate merges a reconciled loser into the survivor: tags are
// unioned and target fields missing from the survivor's payload are copied
// over. The loser is tombstoned. Reports whether the survivor changed.
func (t *Taggable) AbsorbDuplicate(loser *Taggable) (bool, error) {
	changed := false
	for _, tag := range loser.Tags {
		if t.AddTag(tag) {
			changed = true
		}
	}

	merged, fieldsAdded, err := unionTargets(t.Target, loser.Target)
	if err != nil {
		return changed, fmt.Errorf("failed to union targets of %s and %s: %w", t.ID, loser.ID, err)
	}
	if fieldsAdded {
		t.Target = merged
		changed = true
	}

	loser.Deleted = true
	return changed, nil
}

// unionTargets copies fields of b missing from a, recursing into objects
// present in both. Conflicting scalar values keep a's side.
func unionTargets(a, b json.RawMessage) (json.RawMessage, bool, error) {
	var am, bm map[string]any
	if err := json.Unmarshal(a, &am); err != nil {
		return a, false, err
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		return a, false, err
	}

	if !unionObjects(am, bm) {
		return a, false, nil
	}
	merged, err := json.Marshal(am)
	if err != nil {
		return a, false, err
	}
	return merged, true, nil
}

func unionObjects(dst, src map[string]any) bool {
	changed := false
	for k, sv := range src {
		dv, ok := dst[k]
		if !ok {
			dst[k] = sv
			changed = true
			continue
		}
		dobj, dok := dv.(map[string]any)
		sobj, sok := sv.(map[string]any)
		if dok && sok && unionObjects(dobj, sobj) {
			changed = true
		}
	}
	return changed
}
