// Package tracker owns the canonical tracking state for one user: the
// arrival -> grace period -> detention state machine, the 1 Hz display
// timer, the periodic evidence sampling loop, and finalization against
// the remote store. The UI layer subscribes to its state stream and
// never mutates state directly.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"detentiond/internal/eventstore"
	"detentiond/internal/location"
	"detentiond/internal/model"
	"detentiond/internal/queue"
	"detentiond/internal/storage"
	"detentiond/internal/timer"
)

// EventStore is the remote persistence boundary. All calls are safe to
// retry.
type EventStore interface {
	CreateEvent(ctx context.Context, req eventstore.CreateEventRequest) (string, error)
	PatchEvent(ctx context.Context, eventID string, req eventstore.PatchEventRequest) error
	ActiveEvent(ctx context.Context, userID string) (*model.DetentionEvent, error)
}

type Config struct {
	UserID           string
	TickInterval     time.Duration // default 1s
	SamplingInterval time.Duration // default 5m
	StopFlushTimeout time.Duration // default 5s
}

type StartRequest struct {
	FacilityID    string
	LoadReference string
	EventType     model.EventType
	GraceMinutes  int
	HourlyRate    float64
}

// Snapshot is one published view of the tracking state.
type Snapshot struct {
	State               string `json:"state"`
	EventID             string `json:"event_id,omitempty"`
	ElapsedFormatted    string `json:"elapsed"`
	DetentionFormatted  string `json:"detention"`
	EarningsFormatted   string `json:"earnings"`
	InGracePeriod       bool   `json:"in_grace_period"`
	QueuePending        int    `json:"queue_pending"`
	QueueDead           int    `json:"queue_dead"`
	PendingFinalization bool   `json:"pending_finalization"`
	LocationWarning     string `json:"location_warning,omitempty"`
}

type Controller struct {
	remote    EventStore
	queue     *queue.Queue
	provider  location.Provider
	snapshots *storage.Store
	logger    *zap.Logger
	cfg       Config

	// Now is the clock, overridable in tests.
	Now func() time.Time

	// opMu serializes Start/Stop/Recover/UpdateNotes end to end.
	opMu sync.Mutex

	// mu guards the fields below for the loops and snapshot readers.
	mu               sync.Mutex
	machine          *fsm.FSM
	event            model.DetentionEvent
	lastResult       timer.Result
	pendingFinal     bool
	pendingPatch     eventstore.PatchEventRequest
	finalizedEventID string
	locationWarning  string

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

func New(remote EventStore, q *queue.Queue, provider location.Provider, snapshots *storage.Store, logger *zap.Logger, cfg Config) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = 5 * time.Minute
	}
	if cfg.StopFlushTimeout <= 0 {
		cfg.StopFlushTimeout = 5 * time.Second
	}

	return &Controller{
		remote:    remote,
		queue:     q,
		provider:  provider,
		snapshots: snapshots,
		logger:    logger,
		cfg:       cfg,
		Now:       time.Now,
		machine:   newMachine(logger),
		subs:      make(map[int]chan Snapshot),
	}
}

// Start creates a new active event and begins the timer and sampling
// loops. Calling it while an event is already active is a caller error
// and mutates nothing. A missing location fix does not block start.
func (c *Controller) Start(ctx context.Context, req StartRequest) (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.current() != StateIdle {
		return "", ErrAlreadyTracking
	}

	// The previous event's completion patch must land before a new
	// event is created, or the remote store would hold two active
	// events for the user. A permanent rejection ends the retry and
	// does not block the new event.
	if c.PendingFinalization() {
		if err := c.retryFinalization(ctx); err != nil && !errors.Is(err, ErrFinalizationRejected) {
			return "", fmt.Errorf("previous event awaits finalization: %w", err)
		}
	}

	if req.EventType != model.EventTypePickup && req.EventType != model.EventTypeDelivery {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidRequest, req.EventType)
	}
	if req.GraceMinutes < 0 {
		return "", fmt.Errorf("%w: grace period minutes must be >= 0", ErrInvalidRequest)
	}
	if req.HourlyRate < 0 {
		return "", fmt.Errorf("%w: hourly rate must be >= 0", ErrInvalidRequest)
	}

	initial, sampleErr := c.captureFix(ctx)
	if sampleErr != nil {
		c.noteSampleError(sampleErr)
	}

	arrival := c.Now()
	eventID, err := c.remote.CreateEvent(ctx, eventstore.CreateEventRequest{
		UserID:        c.cfg.UserID,
		FacilityID:    req.FacilityID,
		LoadReference: req.LoadReference,
		EventType:     string(req.EventType),
		ArrivalTime:   arrival,
		GraceMinutes:  req.GraceMinutes,
		HourlyRate:    req.HourlyRate,
		Status:        string(model.StatusActive),
	})
	if err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}

	event := model.DetentionEvent{
		ID:             eventID,
		UserID:         c.cfg.UserID,
		FacilityID:     req.FacilityID,
		LoadReference:  req.LoadReference,
		EventType:      req.EventType,
		ArrivalTime:    arrival,
		GracePeriodEnd: arrival.Add(time.Duration(req.GraceMinutes) * time.Minute),
		GraceMinutes:   req.GraceMinutes,
		HourlyRate:     req.HourlyRate,
		Status:         model.StatusActive,
	}

	if err := c.snapshots.SaveActiveEvent(ctx, storage.ActiveEvent{
		UserID:        event.UserID,
		EventID:       event.ID,
		FacilityID:    event.FacilityID,
		LoadReference: event.LoadReference,
		EventType:     string(event.EventType),
		ArrivalTime:   event.ArrivalTime,
		GraceMinutes:  event.GraceMinutes,
		HourlyRate:    event.HourlyRate,
	}); err != nil {
		// Tracking proceeds; only crash recovery degrades to the
		// remote lookup.
		c.logWarn("save active event snapshot", err)
	}

	c.mu.Lock()
	c.event = event
	c.lastResult = timer.Result{}
	c.pendingFinal = false
	_ = c.machine.Event(ctx, EventStart)
	if req.GraceMinutes == 0 {
		_ = c.machine.Event(ctx, EventGraceExpired)
		c.event.DetentionStart = c.event.GracePeriodEnd
	}
	c.mu.Unlock()

	if sampleErr == nil {
		c.enqueueSample(ctx, eventID, initial)
	}

	c.startLoops()
	c.publishCurrent(ctx)

	return eventID, nil
}

// Stop cancels both loops, flushes the evidence backlog within a
// bounded window, finalizes the amount, and patches the remote event
// to completed. A failed patch never discards the computed result: it
// is retained and surfaced through PendingFinalization.
func (c *Controller) Stop(ctx context.Context) (timer.Result, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.current() == StateIdle {
		return timer.Result{}, ErrNotTracking
	}

	// Loops must be fully stopped before finalization so a late tick
	// or sample cannot mutate state afterwards.
	c.stopLoops()

	c.mu.Lock()
	event := c.event
	c.mu.Unlock()

	departure := c.Now()

	flushCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopFlushTimeout)
	if _, err := c.queue.Drain(flushCtx); err != nil {
		// Remaining items stay queued for the background drain.
		c.logWarn("final evidence flush incomplete", err)
	}
	cancel()

	result, err := timer.Finalize(event.ArrivalTime, departure, event.GraceMinutes, event.HourlyRate)
	if err != nil {
		return timer.Result{}, err
	}

	patch := eventstore.PatchEventRequest{
		DepartureTime:    &departure,
		DetentionMinutes: &result.DetentionMinutes,
		TotalAmount:      &result.TotalAmount,
		Status:           strPtr(string(model.StatusCompleted)),
	}
	if !departure.Before(event.GracePeriodEnd) {
		detentionStart := event.GracePeriodEnd
		patch.DetentionStart = &detentionStart
	}

	patchErr := c.remote.PatchEvent(ctx, event.ID, patch)

	c.mu.Lock()
	c.lastResult = result
	if patchErr != nil {
		c.pendingFinal = true
		c.pendingPatch = patch
		c.finalizedEventID = event.ID
	} else {
		c.pendingFinal = false
	}
	_ = c.machine.Event(ctx, EventStop)
	c.event = model.DetentionEvent{}
	c.mu.Unlock()

	if patchErr != nil {
		// The result must survive a restart during the outage, so it is
		// persisted before the active-event snapshot goes away.
		if err := c.snapshots.SavePendingFinalization(ctx, storage.PendingFinalization{
			UserID:           c.cfg.UserID,
			EventID:          event.ID,
			DepartureTime:    departure,
			DetentionStart:   patch.DetentionStart,
			DetentionMinutes: result.DetentionMinutes,
			TotalAmount:      result.TotalAmount,
		}); err != nil {
			c.logWarn("save pending finalization", err)
		}
		c.logWarn("finalization patch failed, will retry", patchErr)
	}
	if err := c.snapshots.ClearActiveEvent(ctx, c.cfg.UserID); err != nil {
		c.logWarn("clear active event snapshot", err)
	}

	c.publishCurrent(ctx)
	return result, nil
}

// RetryFinalization re-attempts the completed-event patch left behind
// by a Stop that could not reach the remote store. It is a no-op when
// nothing is pending. A permanent rejection (a non-retryable API
// error) clears the retry and returns ErrFinalizationRejected; the
// computed result stays available through LastResult.
func (c *Controller) RetryFinalization(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.retryFinalization(ctx)
}

// retryFinalization must be called with opMu held.
func (c *Controller) retryFinalization(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pendingFinal
	patch := c.pendingPatch
	eventID := c.finalizedEventID
	c.mu.Unlock()

	if !pending {
		return nil
	}

	if err := c.remote.PatchEvent(ctx, eventID, patch); err != nil {
		if eventstore.IsRetryable(err) {
			return err
		}
		c.clearPendingFinalization(ctx)
		return fmt.Errorf("%w: %v", ErrFinalizationRejected, err)
	}

	c.clearPendingFinalization(ctx)
	c.publishCurrent(ctx)
	return nil
}

func (c *Controller) clearPendingFinalization(ctx context.Context) {
	c.mu.Lock()
	c.pendingFinal = false
	c.pendingPatch = eventstore.PatchEventRequest{}
	c.finalizedEventID = ""
	c.mu.Unlock()

	if err := c.snapshots.ClearPendingFinalization(ctx, c.cfg.UserID); err != nil {
		c.logWarn("clear pending finalization", err)
	}
	if err := c.snapshots.ClearActiveEvent(ctx, c.cfg.UserID); err != nil {
		c.logWarn("clear active event snapshot", err)
	}
}

// UpdateNotes patches the in-flight event's free-text notes. Timer and
// amount state are untouched.
func (c *Controller) UpdateNotes(ctx context.Context, text string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.current() == StateIdle {
		return ErrNotTracking
	}

	c.mu.Lock()
	event := c.event
	c.mu.Unlock()

	if err := c.remote.PatchEvent(ctx, event.ID, eventstore.PatchEventRequest{Notes: &text}); err != nil {
		return err
	}

	c.mu.Lock()
	c.event.Notes = text
	event = c.event
	c.mu.Unlock()

	if err := c.snapshots.SaveActiveEvent(ctx, storage.ActiveEvent{
		UserID:        event.UserID,
		EventID:       event.ID,
		FacilityID:    event.FacilityID,
		LoadReference: event.LoadReference,
		EventType:     string(event.EventType),
		ArrivalTime:   event.ArrivalTime,
		GraceMinutes:  event.GraceMinutes,
		HourlyRate:    event.HourlyRate,
		Notes:         text,
	}); err != nil {
		c.logWarn("save active event snapshot", err)
	}
	return nil
}

// Recover rebuilds tracking state after a process restart. The timer
// state is reconstructed purely from the persisted arrival time, grace
// period, and rate of the still-active event; the remote store is
// authoritative, with the local snapshot as the offline fallback.
func (c *Controller) Recover(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.current() != StateIdle {
		return false, nil
	}

	// A persisted pending finalization means the event already ended
	// locally; the remote still lists it as active only because the
	// completion patch never landed. Restore the retry instead of
	// resuming tracking.
	if pf, err := c.snapshots.LoadPendingFinalization(ctx, c.cfg.UserID); err == nil {
		patch := eventstore.PatchEventRequest{
			DepartureTime:    &pf.DepartureTime,
			DetentionStart:   pf.DetentionStart,
			DetentionMinutes: &pf.DetentionMinutes,
			TotalAmount:      &pf.TotalAmount,
			Status:           strPtr(string(model.StatusCompleted)),
		}

		c.mu.Lock()
		c.pendingFinal = true
		c.pendingPatch = patch
		c.finalizedEventID = pf.EventID
		c.lastResult = timer.Result{DetentionMinutes: pf.DetentionMinutes, TotalAmount: pf.TotalAmount}
		c.mu.Unlock()

		if c.logger != nil {
			c.logger.Info("restored pending finalization",
				zap.String("event_id", pf.EventID),
				zap.Float64("total_amount", pf.TotalAmount),
			)
		}
		return false, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	event, err := c.activeEventForRecovery(ctx)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, nil
	}

	c.mu.Lock()
	c.event = *event
	_ = c.machine.Event(ctx, EventStart)
	if !c.Now().Before(event.GracePeriodEnd) {
		_ = c.machine.Event(ctx, EventGraceExpired)
		c.event.DetentionStart = event.GracePeriodEnd
	}
	c.mu.Unlock()

	c.startLoops()
	c.publishCurrent(ctx)

	if c.logger != nil {
		c.logger.Info("recovered active detention event",
			zap.String("event_id", event.ID),
			zap.Time("arrival", event.ArrivalTime),
		)
	}
	return true, nil
}

func (c *Controller) activeEventForRecovery(ctx context.Context) (*model.DetentionEvent, error) {
	event, err := c.remote.ActiveEvent(ctx, c.cfg.UserID)
	if err == nil {
		return event, nil
	}
	c.logWarn("remote active event lookup failed, trying local snapshot", err)

	saved, loadErr := c.snapshots.LoadActiveEvent(ctx, c.cfg.UserID)
	if loadErr != nil {
		if errors.Is(loadErr, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, loadErr
	}

	return &model.DetentionEvent{
		ID:             saved.EventID,
		UserID:         saved.UserID,
		FacilityID:     saved.FacilityID,
		LoadReference:  saved.LoadReference,
		EventType:      model.EventType(saved.EventType),
		ArrivalTime:    saved.ArrivalTime,
		GracePeriodEnd: saved.ArrivalTime.Add(time.Duration(saved.GraceMinutes) * time.Minute),
		GraceMinutes:   saved.GraceMinutes,
		HourlyRate:     saved.HourlyRate,
		Status:         model.StatusActive,
		Notes:          saved.Notes,
	}, nil
}

// PendingFinalization reports whether a completed event still awaits
// its remote patch.
func (c *Controller) PendingFinalization() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingFinal
}

// LastResult returns the most recently finalized outcome.
func (c *Controller) LastResult() timer.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// Subscribe registers a snapshot stream. The returned cancel func
// must be called to release the subscription. Slow consumers miss
// intermediate snapshots rather than blocking the tick loop.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot, 1)
	c.subs[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// Snapshot returns the current state on demand, computed the same way
// the tick loop computes it.
func (c *Controller) Snapshot(ctx context.Context) Snapshot {
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		c.logWarn("queue stats", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildSnapshot(stats)
}

// tick recomputes the display state from the absolute arrival time.
// Deriving from arrival on every tick, instead of incrementing a
// counter, means the display can never accumulate drift.
func (c *Controller) tick(ctx context.Context) {
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		c.logWarn("queue stats", err)
	}

	c.mu.Lock()
	if c.machine.Current() == StateGracePeriod {
		eval := timer.Evaluate(c.event.ArrivalTime, c.Now(), c.event.GraceMinutes, c.event.HourlyRate)
		if !eval.InGracePeriod {
			_ = c.machine.Event(ctx, EventGraceExpired)
			c.event.DetentionStart = c.event.GracePeriodEnd
		}
	}
	snap := c.buildSnapshot(stats)
	c.mu.Unlock()

	c.publish(snap)
}

// buildSnapshot must be called with mu held.
func (c *Controller) buildSnapshot(stats queue.Stats) Snapshot {
	snap := Snapshot{
		State:               c.machine.Current(),
		QueuePending:        stats.Pending,
		QueueDead:           stats.Dead,
		PendingFinalization: c.pendingFinal,
		LocationWarning:     c.locationWarning,
		ElapsedFormatted:    timer.FormatClock(0),
		DetentionFormatted:  timer.FormatClock(0),
		EarningsFormatted:   "$0.00",
	}
	if snap.State == StateIdle {
		return snap
	}

	eval := timer.Evaluate(c.event.ArrivalTime, c.Now(), c.event.GraceMinutes, c.event.HourlyRate)
	snap.EventID = c.event.ID
	snap.ElapsedFormatted = timer.FormatClock(eval.ElapsedSeconds)
	snap.DetentionFormatted = timer.FormatClock(eval.DetentionSeconds)
	snap.EarningsFormatted = fmt.Sprintf("$%.2f", eval.CurrentEarnings)
	snap.InGracePeriod = eval.InGracePeriod
	return snap
}

func (c *Controller) publishCurrent(ctx context.Context) {
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		c.logWarn("queue stats", err)
	}
	c.mu.Lock()
	snap := c.buildSnapshot(stats)
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) publish(snap Snapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale snapshot the consumer never read.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (c *Controller) startLoops() {
	loopCtx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel

	c.loopWG.Add(2)
	go c.runTickLoop(loopCtx)
	go c.runSamplingLoop(loopCtx)
}

func (c *Controller) stopLoops() {
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	c.loopWG.Wait()
}

func (c *Controller) runTickLoop(ctx context.Context) {
	defer c.loopWG.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) runSamplingLoop(ctx context.Context) {
	defer c.loopWG.Done()

	ticker := time.NewTicker(c.cfg.SamplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleOnce(ctx)
		}
	}
}

// sampleOnce captures one fix and enqueues it. A missed sample is
// logged and skipped; only enqueued samples carry the delivery
// guarantee.
func (c *Controller) sampleOnce(ctx context.Context) {
	sample, err := c.captureFix(ctx)
	if err != nil {
		c.noteSampleError(err)
		return
	}

	c.mu.Lock()
	eventID := c.event.ID
	c.locationWarning = ""
	c.mu.Unlock()

	if eventID == "" {
		return
	}
	c.enqueueSample(ctx, eventID, sample)
}

func (c *Controller) captureFix(ctx context.Context) (model.Sample, error) {
	fixCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.provider.CurrentSample(fixCtx)
}

func (c *Controller) enqueueSample(ctx context.Context, eventID string, sample model.Sample) {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = c.Now()
	}
	entry := model.GpsLogEntry{
		EntryID:          uuid.NewString(),
		DetentionEventID: eventID,
		Lat:              sample.Lat,
		Lng:              sample.Lng,
		Accuracy:         sample.Accuracy,
		Timestamp:        ts,
	}
	if err := c.queue.Enqueue(ctx, entry); err != nil {
		c.logWarn("enqueue evidence sample", err)
	}
}

func (c *Controller) noteSampleError(err error) {
	if errors.Is(err, location.ErrPermissionDenied) {
		c.mu.Lock()
		c.locationWarning = "location permission denied; evidence capture paused"
		c.mu.Unlock()
	}
	c.logWarn("location sample", err)
}

func (c *Controller) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Current()
}

func (c *Controller) logWarn(msg string, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, zap.Error(err))
	}
}

func strPtr(s string) *string {
	return &s
}
