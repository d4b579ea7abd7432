// Package taggable defines the cached entity model shared by the sync
// engine and the filtered view.
//
// A Taggable wraps one remote resource fetched from a region API together
// with locally assigned tags, the store revision of its persisted document,
// and lazily resolved references to related entities. The raw resource
// payload is kept opaque; the fields the engine needs (the stable remote
// guid, the display name, link guids) are read out of it on demand.
//
// # Identity
//
// The document id is derived as "<type>-<guid>" from the entity type and
// the remote guid and is stable across refresh cycles. Records written by
// older versions of the cache may use a different id scheme for the same
// remote resource; reconciliation (see DuplicateGroups and ElectSurvivor)
// collapses those into the canonical document and tombstones the rest.
//
// # Links
//
// Relations between entities are id-based lookups, never ownership: a
// Taggable carries the guids of its related entities and resolves them
// against the loaded set via a caller-supplied lookup function. A guid that
// resolves to nothing is not an error, the relation is simply unavailable.
package taggable
