package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detentiond/internal/model"
)

func TestDistanceMetersSamePoint(t *testing.T) {
	got := DistanceMeters(41.8781, -87.6298, 41.8781, -87.6298)
	assert.Equal(t, 0.0, got)
}

func TestDistanceMetersKnownDistance(t *testing.T) {
	// Chicago to Indianapolis, roughly 265 km.
	got := DistanceMeters(41.8781, -87.6298, 39.7684, -86.1581)
	assert.InDelta(t, 265000, got, 5000)
}

func TestDistanceMetersSymmetric(t *testing.T) {
	ab := DistanceMeters(33.7490, -84.3880, 36.1627, -86.7816)
	ba := DistanceMeters(36.1627, -86.7816, 33.7490, -84.3880)
	assert.InDelta(t, ab, ba, 1e-6)
}

func TestDistanceMetersPropagatesNaN(t *testing.T) {
	got := DistanceMeters(math.NaN(), 0, 0, 0)
	assert.True(t, math.IsNaN(got))
}

func TestBearingDegrees(t *testing.T) {
	// Due north along a meridian.
	north := BearingDegrees(40.0, -95.0, 41.0, -95.0)
	assert.InDelta(t, 0, north, 0.01)

	// Due east on the equator.
	east := BearingDegrees(0, 0, 0, 1)
	assert.InDelta(t, 90, east, 0.01)

	south := BearingDegrees(41.0, -95.0, 40.0, -95.0)
	assert.InDelta(t, 180, south, 0.01)

	west := BearingDegrees(0, 1, 0, 0)
	assert.InDelta(t, 270, west, 0.01)
}

func TestBearingDegreesRange(t *testing.T) {
	points := [][4]float64{
		{41.8, -87.6, 39.7, -86.1},
		{39.7, -86.1, 41.8, -87.6},
		{-33.9, 151.2, 51.5, -0.1},
		{51.5, -0.1, -33.9, 151.2},
	}
	for _, p := range points {
		b := BearingDegrees(p[0], p[1], p[2], p[3])
		assert.GreaterOrEqual(t, b, 0.0)
		assert.Less(t, b, 360.0)
	}
}

func TestIsWithinGeofenceBoundary(t *testing.T) {
	facility := model.Facility{ID: "f1", Lat: 41.8781, Lng: -87.6298}
	center := Point{Lat: facility.Lat, Lng: facility.Lng}

	// The facility's own coordinates are inside any radius.
	assert.True(t, IsWithinGeofence(center, facility, 0))
	assert.True(t, IsWithinGeofence(center, facility, 100))

	// A point at (nearly) exactly the radius is inside; just past it
	// is not.
	probe := Point{Lat: 41.8781, Lng: -87.6310}
	dist := DistanceMeters(probe.Lat, probe.Lng, facility.Lat, facility.Lng)
	assert.True(t, IsWithinGeofence(probe, facility, dist))
	assert.False(t, IsWithinGeofence(probe, facility, dist-0.5))
}

func TestFacilityRadius(t *testing.T) {
	assert.Equal(t, DefaultGeofenceRadiusMeters, FacilityRadius(model.Facility{}))
	assert.Equal(t, 350.0, FacilityRadius(model.Facility{GeofenceRadius: 350}))
}

func TestFindNearestEmpty(t *testing.T) {
	assert.Nil(t, FindNearest(Point{Lat: 1, Lng: 1}, nil))
}

func TestFindNearestPicksClosest(t *testing.T) {
	facilities := []model.Facility{
		{ID: "far", Lat: 40.0, Lng: -90.0},
		{ID: "near", Lat: 41.9, Lng: -87.7},
		{ID: "mid", Lat: 41.0, Lng: -88.0},
	}

	got := FindNearest(Point{Lat: 41.8781, Lng: -87.6298}, facilities)
	require.NotNil(t, got)
	assert.Equal(t, "near", got.Facility.ID)
	assert.Greater(t, got.DistanceMeters, 0.0)
}

func TestFindNearestTieKeepsFirst(t *testing.T) {
	facilities := []model.Facility{
		{ID: "first", Lat: 10.0, Lng: 20.0},
		{ID: "second", Lat: 10.0, Lng: 20.0},
	}

	got := FindNearest(Point{Lat: 10.5, Lng: 20.5}, facilities)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Facility.ID)
}
