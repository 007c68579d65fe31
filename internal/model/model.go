// Package model holds the domain types shared across the detention
// tracking engine.
package model

import "time"

// EventType distinguishes the two kinds of facility visit.
type EventType string

const (
	EventTypePickup   EventType = "pickup"
	EventTypeDelivery EventType = "delivery"
)

// EventStatus moves forward only: active -> completed -> invoiced -> paid.
// The tracking engine owns the active -> completed transition; the
// billing workflow advances the rest.
type EventStatus string

const (
	StatusActive    EventStatus = "active"
	StatusCompleted EventStatus = "completed"
	StatusInvoiced  EventStatus = "invoiced"
	StatusPaid      EventStatus = "paid"
)

// DetentionEvent is the aggregate root for one visit. The event id is
// assigned by the remote store on creation.
type DetentionEvent struct {
	ID               string
	UserID           string
	FacilityID       string
	LoadReference    string
	EventType        EventType
	ArrivalTime      time.Time
	GracePeriodEnd   time.Time
	DetentionStart   time.Time // zero unless detention actually began
	DepartureTime    time.Time // zero until completed
	DetentionMinutes int
	HourlyRate       float64
	TotalAmount      float64
	Status           EventStatus
	Notes            string
	GraceMinutes     int
}

// GpsLogEntry is one location sample tied to a detention event. EntryID
// is a client-generated UUID so the remote insert is safe to retry.
type GpsLogEntry struct {
	EntryID          string
	DetentionEventID string
	Lat              float64
	Lng              float64
	Accuracy         float64 // meters, 0 when the fix had none
	Timestamp        time.Time
}

// Sample is a raw fix from the location provider, before it is bound
// to an event.
type Sample struct {
	Lat       float64
	Lng       float64
	Accuracy  float64
	Timestamp time.Time
}

// Facility is read-only reference data used for geofencing.
type Facility struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	GeofenceRadius float64 `json:"geofence_radius,omitempty"` // meters, 0 means use the configured default
}
