// Package location abstracts the device location source. The tracking
// controller only sees the Provider interface, so the platform
// notification mechanism behind it is interchangeable.
package location

import (
	"context"
	"errors"

	"detentiond/internal/model"
)

var (
	// ErrPermissionDenied means the user has not granted location
	// access. Tracking still runs; only evidence capture is parked.
	ErrPermissionDenied = errors.New("location permission denied")

	// ErrUnavailable means no fix could be obtained right now.
	ErrUnavailable = errors.New("location unavailable")
)

type PermissionState string

const (
	PermissionUnknown PermissionState = "unknown"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// Scope distinguishes foreground-only from background access.
type Scope string

const (
	ScopeForeground Scope = "foreground"
	ScopeBackground Scope = "background"
)

// Provider yields location samples on demand.
type Provider interface {
	// CurrentSample returns the freshest available fix. It returns
	// ErrPermissionDenied or ErrUnavailable as appropriate.
	CurrentSample(ctx context.Context) (model.Sample, error)

	// Permission reports the last known permission state.
	Permission() PermissionState

	// RequestPermission asks the platform for access at the given
	// scope. Returns ErrPermissionDenied when refused.
	RequestPermission(ctx context.Context, scope Scope) error
}
