package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var arrival = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func TestEvaluateDuringGracePeriod(t *testing.T) {
	eval := Evaluate(arrival, arrival.Add(30*time.Minute), 120, 75)

	assert.Equal(t, int64(1800), eval.ElapsedSeconds)
	assert.Equal(t, int64(7200), eval.GracePeriodSeconds)
	assert.Equal(t, int64(0), eval.DetentionSeconds)
	assert.True(t, eval.InGracePeriod)
	assert.Equal(t, 0.0, eval.CurrentEarnings)
}

func TestEvaluateGraceBoundary(t *testing.T) {
	// One second before expiry the grace period still holds.
	before := Evaluate(arrival, arrival.Add(2*time.Hour-time.Second), 120, 75)
	assert.True(t, before.InGracePeriod)
	assert.Equal(t, int64(0), before.DetentionSeconds)

	// At exactly the boundary detention has begun with zero accrued.
	at := Evaluate(arrival, arrival.Add(2*time.Hour), 120, 75)
	assert.False(t, at.InGracePeriod)
	assert.Equal(t, int64(0), at.DetentionSeconds)

	after := Evaluate(arrival, arrival.Add(2*time.Hour+time.Second), 120, 75)
	assert.False(t, after.InGracePeriod)
	assert.Equal(t, int64(1), after.DetentionSeconds)
}

func TestEvaluateZeroGraceStartsImmediately(t *testing.T) {
	eval := Evaluate(arrival, arrival, 0, 50)
	assert.False(t, eval.InGracePeriod)
	assert.Equal(t, int64(0), eval.DetentionSeconds)

	eval = Evaluate(arrival, arrival.Add(36*time.Minute), 0, 50)
	assert.Equal(t, int64(2160), eval.DetentionSeconds)
	assert.Equal(t, 30.0, eval.CurrentEarnings)
}

func TestEvaluateClampsClockBehindArrival(t *testing.T) {
	eval := Evaluate(arrival, arrival.Add(-time.Minute), 60, 75)
	assert.Equal(t, int64(0), eval.ElapsedSeconds)
	assert.Equal(t, int64(0), eval.DetentionSeconds)
	assert.True(t, eval.InGracePeriod)
}

func TestEvaluateEarningsRounding(t *testing.T) {
	// 75 detention seconds at $60/h is $1.25; 61 seconds is
	// $1.01666..., rounding half away from zero to $1.02.
	eval := Evaluate(arrival, arrival.Add(75*time.Second), 0, 60)
	assert.Equal(t, 1.25, eval.CurrentEarnings)

	eval = Evaluate(arrival, arrival.Add(61*time.Second), 0, 60)
	assert.Equal(t, 1.02, eval.CurrentEarnings)
}

func TestFinalizeTwoHourGrace(t *testing.T) {
	// 195 minutes on site with a 120 minute grace period at $75/h.
	res, err := Finalize(arrival, arrival.Add(195*time.Minute), 120, 75)
	require.NoError(t, err)
	assert.Equal(t, 75, res.DetentionMinutes)
	assert.Equal(t, 93.75, res.TotalAmount)
}

func TestFinalizeZeroGrace(t *testing.T) {
	res, err := Finalize(arrival, arrival.Add(30*time.Minute), 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 30, res.DetentionMinutes)
	assert.Equal(t, 25.00, res.TotalAmount)
}

func TestFinalizeShorterThanGracePeriod(t *testing.T) {
	res, err := Finalize(arrival, arrival.Add(45*time.Minute), 120, 75)
	require.NoError(t, err)
	assert.Equal(t, 0, res.DetentionMinutes)
	assert.Equal(t, 0.0, res.TotalAmount)
}

func TestFinalizeRejectsDepartureBeforeArrival(t *testing.T) {
	_, err := Finalize(arrival, arrival.Add(-time.Second), 0, 75)
	require.ErrorIs(t, err, ErrDepartureBeforeArrival)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	departure := arrival.Add(3*time.Hour + 17*time.Minute)

	first, err := Finalize(arrival, departure, 90, 82.50)
	require.NoError(t, err)
	second, err := Finalize(arrival, departure, 90, 82.50)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestFinalizeRoundsToNearestMinute(t *testing.T) {
	// 29.6 minutes elapsed rounds to 30 whole minutes.
	res, err := Finalize(arrival, arrival.Add(29*time.Minute+36*time.Second), 0, 60)
	require.NoError(t, err)
	assert.Equal(t, 30, res.DetentionMinutes)
	assert.Equal(t, 30.0, res.TotalAmount)
}

func TestRound2HalfAwayFromZero(t *testing.T) {
	assert.Equal(t, 0.13, Round2(0.125))
	assert.Equal(t, -0.13, Round2(-0.125))
	assert.Equal(t, 2.68, Round2(2.675))
	assert.Equal(t, 0.0, Round2(0))
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatClock(0))
	assert.Equal(t, "00:01:05", FormatClock(65))
	assert.Equal(t, "27:46:39", FormatClock(99999))
	assert.Equal(t, "00:00:00", FormatClock(-5))
}
