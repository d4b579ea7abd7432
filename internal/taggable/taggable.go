package taggable

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Type identifies the kind of remote resource a Taggable represents
type Type string

// Resource types, in display order
const (
	TypeOrganization    Type = "organization"
	TypeSpace           Type = "space"
	TypeApplication     Type = "application"
	TypeServiceInstance Type = "serviceInstance"
	TypeServicePlan     Type = "servicePlan"
	TypeService         Type = "service"
	TypeRoute           Type = "route"
	TypeRouteMapping    Type = "routeMapping"
	TypeDomain          Type = "domain"
)

// AllTypes lists every known resource type in display order
var AllTypes = []Type{
	TypeOrganization,
	TypeSpace,
	TypeApplication,
	TypeServiceInstance,
	TypeServicePlan,
	TypeService,
	TypeRoute,
	TypeRouteMapping,
	TypeDomain,
}

// legacyAliases maps type names written by older cache versions to their
// canonical spelling. Records carrying an alias are normalized on load.
var legacyAliases = map[string]Type{
	"app":              TypeApplication,
	"org":              TypeOrganization,
	"service_instance": TypeServiceInstance,
	"service_plan":     TypeServicePlan,
	"route_mapping":    TypeRouteMapping,
}

// NormalizeType resolves legacy aliases to the canonical type name.
// Unknown names are returned unchanged so malformed records stay visible.
func NormalizeType(name string) Type {
	if t, ok := legacyAliases[name]; ok {
		return t
	}
	return Type(name)
}

// Known reports whether t is one of the fixed resource types
func (t Type) Known() bool {
	_, ok := typeRank[t]
	return ok
}

// Taggable is one cached remote resource plus its local state
type Taggable struct {
	// ID is the document id, "<type>-<guid>" for canonically written records
	ID string

	// Type is the resource type, normalized from legacy aliases on load
	Type Type

	// Tags is the set of user-assigned tags. No duplicates, order not
	// meaningful.
	Tags []string

	// Target is the raw remote resource payload as fetched
	Target json.RawMessage

	// Region identifies the region the entity was fetched from
	Region string

	// Revision is the store's revision token for the persisted document.
	// Empty for freshly fetched, unpersisted entities.
	Revision string

	// Deleted marks the entity as a reconciliation tombstone
	Deleted bool

	links map[LinkName]*Taggable
}

// docBody is the persisted document shape, minus id/revision/tombstone
// which the store tracks on the record itself.
type docBody struct {
	Type   string          `json:"type"`
	Tags   []string        `json:"tags"`
	Target json.RawMessage `json:"target"`
	Region string          `json:"region"`
}

// New creates an unpersisted Taggable from one raw resource payload.
// The id is derived from the type and the payload's metadata.guid.
func New(t Type, region string, target json.RawMessage) (*Taggable, error) {
	guid := gjson.GetBytes(target, "metadata.guid").String()
	if guid == "" {
		return nil, fmt.Errorf("resource of type %s has no metadata.guid", t)
	}
	return &Taggable{
		ID:     string(t) + "-" + guid,
		Type:   t,
		Tags:   []string{},
		Target: target,
		Region: region,
	}, nil
}

// FromDoc rebuilds a Taggable from a persisted document. The type is
// normalized from legacy aliases; the id is kept as stored.
func FromDoc(id, revision string, deleted bool, doc []byte) (*Taggable, error) {
	var body docBody
	if err := json.Unmarshal(doc, &body); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	tags := body.Tags
	if tags == nil {
		tags = []string{}
	}
	return &Taggable{
		ID:       id,
		Type:     NormalizeType(body.Type),
		Tags:     tags,
		Target:   body.Target,
		Region:   body.Region,
		Revision: revision,
		Deleted:  deleted,
	}, nil
}

// MarshalDoc serializes the persistable part of the entity
func (t *Taggable) MarshalDoc() ([]byte, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(docBody{
		Type:   string(t.Type),
		Tags:   tags,
		Target: t.Target,
		Region: t.Region,
	})
}

// Clone returns a copy of the entity with its own tag slice, so the copy
// can be edited without touching readers of the original. Resolved links
// are carried over; the target payload is shared, it is never mutated.
func (t *Taggable) Clone() *Taggable {
	clone := *t
	clone.Tags = append([]string{}, t.Tags...)
	if t.links != nil {
		clone.links = make(map[LinkName]*Taggable, len(t.links))
		for name, linked := range t.links {
			clone.links[name] = linked
		}
	}
	return &clone
}

// GUID returns the stable remote identifier from the target payload
func (t *Taggable) GUID() string {
	return gjson.GetBytes(t.Target, "metadata.guid").String()
}

// Name returns the display name of the underlying resource. Routes expose
// a host instead of a name, services a label; the guid is the last resort.
func (t *Taggable) Name() string {
	for _, path := range []string{"entity.name", "entity.label", "entity.host"} {
		if v := gjson.GetBytes(t.Target, path); v.Exists() {
			return v.String()
		}
	}
	return t.GUID()
}

// CanonicalID returns the id the current scheme derives for this entity
func (t *Taggable) CanonicalID() string {
	return string(t.Type) + "-" + t.GUID()
}

// HasCanonicalID reports whether the stored id matches the current scheme
func (t *Taggable) HasCanonicalID() bool {
	return t.ID == t.CanonicalID()
}

// HasTag reports case-insensitive tag membership
func (t *Taggable) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if strings.EqualFold(existing, tag) {
			return true
		}
	}
	return false
}

// AddTag adds a tag unless an equal tag (case-insensitive) is present.
// Reports whether the tag set changed.
func (t *Taggable) AddTag(tag string) bool {
	tag = strings.TrimSpace(tag)
	if tag == "" || t.HasTag(tag) {
		return false
	}
	t.Tags = append(t.Tags, tag)
	return true
}

// RemoveTag removes a tag (case-insensitive). Reports whether the tag set
// changed.
func (t *Taggable) RemoveTag(tag string) bool {
	for i, existing := range t.Tags {
		if strings.EqualFold(existing, tag) {
			t.Tags = append(t.Tags[:i], t.Tags[i+1:]...)
			return true
		}
	}
	return false
}

// TargetEquals reports deep equality of the raw payloads, ignoring key
// order and whitespace differences between encodings.
func (t *Taggable) TargetEquals(other json.RawMessage) bool {
	var a, b any
	if err := json.Unmarshal(t.Target, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(other, &b); err != nil {
		return false
	}
	return deepEqualJSON(a, b)
}

func deepEqualJSON(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, ok := bv[k]
			if !ok || !deepEqualJSON(v, bval) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
