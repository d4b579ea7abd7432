// Package region holds the static catalog of remote API endpoints.
package region

import "fmt"

// Region is one remote API endpoint variant. Entities are fetched and
// tracked per region.
type Region struct {
	// ID is the region identifier used in request paths and on entities
	ID string

	// DisplayName is the human-readable region name
	DisplayName string

	// Icon names the icon asset shown next to the region
	Icon string
}

// Catalog is the immutable list of configured regions, loaded once at
// startup and never mutated for the process lifetime.
type Catalog struct {
	regions []Region
	byID    map[string]Region
}

// NewCatalog builds a catalog from the configured regions
func NewCatalog(regions []Region) (*Catalog, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("at least one region must be configured")
	}

	byID := make(map[string]Region, len(regions))
	for i, r := range regions {
		if r.ID == "" {
			return nil, fmt.Errorf("region[%d]: id is required", i)
		}
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("region[%d]: duplicate region id '%s'", i, r.ID)
		}
		byID[r.ID] = r
	}

	return &Catalog{regions: append([]Region{}, regions...), byID: byID}, nil
}

// Regions returns the regions in configuration order. The returned slice
// must not be modified.
func (c *Catalog) Regions() []Region {
	return c.regions
}

// Get looks a region up by id
func (c *Catalog) Get(id string) (Region, bool) {
	r, ok := c.byID[id]
	return r, ok
}

// Len returns the number of configured regions
func (c *Catalog) Len() int {
	return len(c.regions)
}
