// Package timer holds the pure detention time and amount math. Every
// value derives from the absolute arrival time, never from a running
// counter, so repeated evaluation can never drift.
//
// Boundary rule: detention begins the instant the clock reaches the
// end of the grace period, i.e. at now >= arrival + grace the sample
// is no longer in the grace period.
package timer

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrDepartureBeforeArrival = errors.New("departure time before arrival time")

// Evaluation is one sampled view of a running event.
type Evaluation struct {
	ElapsedSeconds     int64
	GracePeriodSeconds int64
	DetentionSeconds   int64
	InGracePeriod      bool
	CurrentEarnings    float64
}

// Result is the finalized outcome of a completed event.
type Result struct {
	DetentionMinutes int
	TotalAmount      float64
}

// Evaluate computes the live timer state at the given instant.
// Durations are floored to whole seconds for display.
func Evaluate(arrival, now time.Time, gracePeriodMinutes int, hourlyRate float64) Evaluation {
	elapsed := int64(now.Sub(arrival) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	graceSeconds := int64(gracePeriodMinutes) * 60

	detention := elapsed - graceSeconds
	if detention < 0 {
		detention = 0
	}

	return Evaluation{
		ElapsedSeconds:     elapsed,
		GracePeriodSeconds: graceSeconds,
		DetentionSeconds:   detention,
		InGracePeriod:      elapsed < graceSeconds,
		CurrentEarnings:    Round2(float64(detention) / 3600 * hourlyRate),
	}
}

// Finalize computes the persisted detention minutes and total amount
// for a completed event. It reads no clock, so identical inputs always
// produce identical output.
func Finalize(arrival, departure time.Time, gracePeriodMinutes int, hourlyRate float64) (Result, error) {
	if departure.Before(arrival) {
		return Result{}, ErrDepartureBeforeArrival
	}

	elapsedMinutes := departure.Sub(arrival).Minutes()
	detentionMinutes := int(math.Round(elapsedMinutes)) - gracePeriodMinutes
	if detentionMinutes < 0 {
		detentionMinutes = 0
	}

	return Result{
		DetentionMinutes: detentionMinutes,
		TotalAmount:      Round2(float64(detentionMinutes) / 60 * hourlyRate),
	}, nil
}

// Round2 rounds a currency value to two decimal places, half away
// from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// FormatClock renders a second count as HH:MM:SS for the live display.
func FormatClock(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
