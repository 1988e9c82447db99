// Package campus holds the building catalog used to decide whether a user
// is already inside a building with group study rooms.
package campus

import (
	"errors"
	"math"
	"sort"
	"strings"

	geo "github.com/kellydunn/golang-geo"
)

// DefaultRadiusMeters is the geofence radius around a building entrance.
const DefaultRadiusMeters = 150.0

var ErrUnknownBuilding = errors.New("unknown building")

type Building struct {
	Name  string
	Point *geo.Point
	Rooms []string
}

// Catalog is an immutable set of buildings keyed by name.
type Catalog struct {
	buildings []Building
	byName    map[string]int
}

// Fix is the nearest building to a position and the distance to it.
type Fix struct {
	Building       Building
	DistanceMeters float64
}

func NewCatalog(buildings []Building) *Catalog {
	c := &Catalog{byName: map[string]int{}}
	for _, b := range buildings {
		if b.Point == nil || strings.TrimSpace(b.Name) == "" {
			continue
		}
		rooms := append([]string(nil), b.Rooms...)
		c.byName[b.Name] = len(c.buildings)
		c.buildings = append(c.buildings, Building{Name: b.Name, Point: b.Point, Rooms: rooms})
	}
	return c
}

// Default returns the SMU catalog.
func Default() *Catalog {
	return NewCatalog([]Building{
		{
			Name:  "SCIS 1",
			Point: geo.NewPoint(1.297465, 103.8495169),
			Rooms: []string{
				"SCIS 1 GSR 2-1", "SCIS 1 GSR 2-2", "SCIS 1 GSR 2-3", "SCIS 1 GSR 2-4",
				"SCIS 1 GSR 3-1", "SCIS 1 GSR 3-2", "SCIS 1 GSR 3-3",
			},
		},
		{
			Name:  "SCIS 2/SOE",
			Point: geo.NewPoint(1.2977584, 103.8486792),
			Rooms: []string{
				"SOE GSR 2-1", "SOE GSR 2-2", "SOE GSR 2-3",
				"SOE GSR 3-1", "SOE GSR 3-2",
			},
		},
	})
}

func (c *Catalog) Buildings() []Building {
	out := make([]Building, len(c.buildings))
	copy(out, c.buildings)
	return out
}

func (c *Catalog) Building(name string) (Building, error) {
	idx, ok := c.byName[name]
	if !ok {
		return Building{}, ErrUnknownBuilding
	}
	return c.buildings[idx], nil
}

// Rooms lists every room in the catalog, sorted.
func (c *Catalog) Rooms() []string {
	var out []string
	for _, b := range c.buildings {
		out = append(out, b.Rooms...)
	}
	sort.Strings(out)
	return out
}

// BuildingOf returns the building that lists room.
func (c *Catalog) BuildingOf(room string) (Building, error) {
	for _, b := range c.buildings {
		for _, r := range b.Rooms {
			if r == room {
				return b, nil
			}
		}
	}
	return Building{}, ErrUnknownBuilding
}

// Locate returns the building nearest to lat/lng. Ties keep catalog order.
func (c *Catalog) Locate(lat, lng float64) (Fix, error) {
	if len(c.buildings) == 0 {
		return Fix{}, ErrUnknownBuilding
	}
	p := geo.NewPoint(lat, lng)
	best := Fix{DistanceMeters: math.Inf(1)}
	for _, b := range c.buildings {
		d := p.GreatCircleDistance(b.Point) * 1000
		if d < best.DistanceMeters {
			best = Fix{Building: b, DistanceMeters: d}
		}
	}
	return best, nil
}

// Inside reports whether lat/lng is within radiusMeters of the named
// building. A non-positive radius uses DefaultRadiusMeters.
func (c *Catalog) Inside(name string, lat, lng, radiusMeters float64) (bool, error) {
	b, err := c.Building(name)
	if err != nil {
		return false, err
	}
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	return geo.NewPoint(lat, lng).GreatCircleDistance(b.Point)*1000 <= radiusMeters, nil
}
