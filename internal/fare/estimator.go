package fare

import (
	"math"

	"github.com/example/ride-sync/internal/models"
)

// DefaultSpeedKmh is an average city speed used for the naive duration estimate.
const DefaultSpeedKmh = 25.0

// Estimate is the derived fare for one pickup/drop pair. It is recomputed
// whenever the locations or the applicable rate card change.
type Estimate struct {
	DistanceKm   float64 `json:"distance_km"`
	DurationMin  float64 `json:"duration_min"`
	BaseFare     float64 `json:"base_fare"`
	PerKmRate    float64 `json:"per_km_rate"`
	ComputedFare float64 `json:"computed_fare"`
	Method       Method  `json:"method"`
	Approximate  bool    `json:"approximate"`
}

type Estimator struct {
	Defaults models.RateCard
	SpeedKmh float64
}

func NewEstimator(defaults models.RateCard) *Estimator {
	if defaults.BaseFare == 0 && defaults.PerKmRate == 0 {
		defaults = models.RateCard{BaseFare: DefaultBaseFare, PerKmRate: DefaultPerKmRate}
	}
	return &Estimator{Defaults: defaults, SpeedKmh: DefaultSpeedKmh}
}

// Rates returns the driver's own rate card when known, else the platform defaults.
func (e *Estimator) Rates(driver *models.DriverRef) models.RateCard {
	if driver != nil && driver.Rates != nil {
		return *driver.Rates
	}
	return e.Defaults
}

func (e *Estimator) Estimate(pickup, drop models.Location, driver *models.DriverRef) Estimate {
	d := EstimateDistance(pickup, drop)
	rc := e.Rates(driver)
	return Estimate{
		DistanceKm:   d.Km,
		DurationMin:  e.durationMin(d.Km),
		BaseFare:     rc.BaseFare,
		PerKmRate:    rc.PerKmRate,
		ComputedFare: Fare(d.Km, rc),
		Method:       d.Method,
		Approximate:  d.Approximate(),
	}
}

// ForSnapshot re-estimates a ride using whatever driver is attached to it.
func (e *Estimator) ForSnapshot(s models.RideSnapshot) Estimate {
	return e.Estimate(s.Pickup, s.Drop, s.Driver)
}

// Naive duration: distance / speed. Routing engines are out of reach here.
func (e *Estimator) durationMin(km float64) float64 {
	speed := e.SpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	return math.Round(km / speed * 60)
}
