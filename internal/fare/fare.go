// Package fare estimates trip distance and fare before a driver is matched.
//
// Distances come from coordinates when both ends have them (Haversine
// inflated by a road factor). Otherwise a coarse locality heuristic is used
// and the result is flagged as approximate. The two paths are never mixed
// for the same pair.
package fare

import (
	"math"
	"strings"

	"github.com/example/ride-sync/internal/geo"
	"github.com/example/ride-sync/internal/models"
)

const (
	// RoadFactor inflates great-circle distance to approximate road distance.
	RoadFactor = 1.3

	SameCityKm     = 10.0
	SameDistrictKm = 30.0
	FallbackKm     = 50.0

	DefaultBaseFare  = 50.0
	DefaultPerKmRate = 15.0
)

// Method records which path produced a distance.
type Method string

const (
	MethodCoordinates  Method = "coordinates"
	MethodSameCity     Method = "same_city"
	MethodSameDistrict Method = "same_district"
	MethodFallback     Method = "fallback"
)

type Distance struct {
	Km     float64 `json:"km"`
	Method Method  `json:"method"`
}

// Approximate is true for every heuristic result.
func (d Distance) Approximate() bool { return d.Method != MethodCoordinates }

// EstimateDistance never fails; missing or unusable coordinates degrade to
// the locality heuristic.
func EstimateDistance(pickup, drop models.Location) Distance {
	if usable(pickup.Coord) && usable(drop.Coord) {
		km := geo.DistanceKm(*pickup.Coord, *drop.Coord) * RoadFactor
		return Distance{Km: math.Round(km*10) / 10, Method: MethodCoordinates}
	}
	switch {
	case sameText(pickup.City, drop.City):
		return Distance{Km: SameCityKm, Method: MethodSameCity}
	case sameText(pickup.District, drop.District):
		return Distance{Km: SameDistrictKm, Method: MethodSameDistrict}
	default:
		return Distance{Km: FallbackKm, Method: MethodFallback}
	}
}

// Fare applies the platform formula: the base fare covers the first
// kilometre, every further kilometre costs PerKmRate. Result is rounded.
func Fare(distanceKm float64, rc models.RateCard) float64 {
	if distanceKm <= 1 {
		return rc.BaseFare
	}
	return math.Round(rc.BaseFare + rc.PerKmRate*(distanceKm-1))
}

func usable(c *models.Coord) bool {
	return c != nil && geo.Valid(*c)
}

func sameText(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
