// Package geo provides the great-circle math and geofence checks used
// to confirm facility presence. Invalid (NaN) coordinates propagate
// NaN; callers validate ranges before calling.
package geo

import (
	"math"

	"detentiond/internal/model"
)

// EarthRadiusMeters is the mean Earth radius used by the Haversine
// formula.
const EarthRadiusMeters = 6371000.0

// DefaultGeofenceRadiusMeters is used when a facility carries no
// radius of its own.
const DefaultGeofenceRadiusMeters = 200.0

type Point struct {
	Lat float64
	Lng float64
}

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)

	h := sinLat*sinLat +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*sinLng*sinLng

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// BearingDegrees returns the initial bearing from the first point to
// the second, normalized to [0, 360).
func BearingDegrees(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := toRad(lat1)
	phi2 := toRad(lat2)
	dLng := toRad(lng2 - lng1)

	y := math.Sin(dLng) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) -
		math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLng)

	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// IsWithinGeofence reports whether the point lies within radiusMeters
// of the facility. The boundary is inclusive: a point at exactly the
// radius is inside.
func IsWithinGeofence(p Point, f model.Facility, radiusMeters float64) bool {
	return DistanceMeters(p.Lat, p.Lng, f.Lat, f.Lng) <= radiusMeters
}

// FacilityRadius returns the facility's own geofence radius, falling
// back to the default.
func FacilityRadius(f model.Facility) float64 {
	if f.GeofenceRadius > 0 {
		return f.GeofenceRadius
	}
	return DefaultGeofenceRadiusMeters
}

type NearestResult struct {
	Facility       model.Facility
	DistanceMeters float64
}

// FindNearest scans the facilities and returns the one closest to the
// point, or nil for empty input. Ties keep the earlier entry.
func FindNearest(p Point, facilities []model.Facility) *NearestResult {
	if len(facilities) == 0 {
		return nil
	}

	best := NearestResult{
		Facility:       facilities[0],
		DistanceMeters: DistanceMeters(p.Lat, p.Lng, facilities[0].Lat, facilities[0].Lng),
	}
	for _, f := range facilities[1:] {
		d := DistanceMeters(p.Lat, p.Lng, f.Lat, f.Lng)
		if d < best.DistanceMeters {
			best = NearestResult{Facility: f, DistanceMeters: d}
		}
	}
	return &best
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
