package taggable

import "github.com/tidwall/gjson"

// LinkName identifies a relation between two entity types
type LinkName string

// Relations an entity may carry, named after the related type
const (
	LinkOrganization LinkName = "organization"
	LinkSpace        LinkName = "space"
	LinkApplication  LinkName = "application"
	LinkServicePlan  LinkName = "servicePlan"
	LinkService      LinkName = "service"
	LinkRoute        LinkName = "route"
	LinkDomain       LinkName = "domain"
)

// Link is one unresolved relation: the name of the relation and the remote
// guid of the related entity.
type Link struct {
	Name LinkName
	GUID string
}

// linkFields maps each type to the target paths carrying related guids
var linkFields = map[Type]map[LinkName]string{
	TypeSpace: {
		LinkOrganization: "entity.organization_guid",
	},
	TypeApplication: {
		LinkSpace: "entity.space_guid",
	},
	TypeServiceInstance: {
		LinkSpace:       "entity.space_guid",
		LinkServicePlan: "entity.service_plan_guid",
	},
	TypeServicePlan: {
		LinkService: "entity.service_guid",
	},
	TypeRoute: {
		LinkDomain: "entity.domain_guid",
		LinkSpace:  "entity.space_guid",
	},
	TypeRouteMapping: {
		LinkApplication: "entity.app_guid",
		LinkRoute:       "entity.route_guid",
	},
}

// Links returns the relation descriptors declared by the entity's payload.
// Relations whose guid field is absent from the payload are omitted.
func (t *Taggable) Links() []Link {
	fields, ok := linkFields[t.Type]
	if !ok {
		return nil
	}
	links := make([]Link, 0, len(fields))
	for name, path := range fields {
		if guid := gjson.GetBytes(t.Target, path).String(); guid != "" {
			links = append(links, Link{Name: name, GUID: guid})
		}
	}
	return links
}

// LookupFunc resolves a remote guid to a loaded entity, or nil
type LookupFunc func(guid string) *Taggable

// ResolveLinks resolves every declared relation against lookup. Guids that
// resolve to nothing stay unresolved; calling ResolveLinks again replaces
// all previously resolved references.
func (t *Taggable) ResolveLinks(lookup LookupFunc) {
	t.links = nil
	for _, link := range t.Links() {
		if target := lookup(link.GUID); target != nil {
			if t.links == nil {
				t.links = make(map[LinkName]*Taggable)
			}
			t.links[link.Name] = target
		}
	}
}

// Linked returns the resolved entity for a relation, or nil if the relation
// is undeclared or did not resolve.
func (t *Taggable) Linked(name LinkName) *Taggable {
	return t.links[name]
}
