package web_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detentiond/internal/eventstore"
	"detentiond/internal/location"
	"detentiond/internal/model"
	"detentiond/internal/queue"
	"detentiond/internal/storage"
	"detentiond/internal/tracker"
	"detentiond/internal/web"
)

type stubRemote struct{}

func (stubRemote) CreateEvent(ctx context.Context, req eventstore.CreateEventRequest) (string, error) {
	return "ev-1", nil
}

func (stubRemote) PatchEvent(ctx context.Context, eventID string, req eventstore.PatchEventRequest) error {
	return nil
}

func (stubRemote) ActiveEvent(ctx context.Context, userID string) (*model.DetentionEvent, error) {
	return nil, nil
}

func (stubRemote) InsertGpsLogs(ctx context.Context, batch []model.GpsLogEntry) error {
	return nil
}

type stubProvider struct{}

func (stubProvider) CurrentSample(ctx context.Context) (model.Sample, error) {
	return model.Sample{Lat: 41.8781, Lng: -87.6298, Accuracy: 5}, nil
}

func (stubProvider) Permission() location.PermissionState {
	return location.PermissionGranted
}

func (stubProvider) RequestPermission(ctx context.Context, scope location.Scope) error {
	return nil
}

type testServer struct {
	srv        *httptest.Server
	store      *storage.Store
	controller *tracker.Controller
	clock      time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, store.InitSchema(context.Background()))

	remote := stubRemote{}
	q := &queue.Queue{Store: store, Remote: remote}

	ts := &testServer{
		store: store,
		clock: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}

	ts.controller = tracker.New(remote, q, stubProvider{}, store, nil, tracker.Config{
		UserID:           "driver-1",
		TickInterval:     time.Hour,
		SamplingInterval: time.Hour,
		StopFlushTimeout: time.Second,
	})
	ts.controller.Now = func() time.Time { return ts.clock }

	server := &web.Server{
		Controller: ts.controller,
		Queue:      q,
		Facilities: []model.Facility{
			{ID: "fac-1", Name: "Chicago DC", Lat: 41.8781, Lng: -87.6298},
			{ID: "fac-2", Name: "Indy Yard", Lat: 39.7684, Lng: -86.1581, GeofenceRadius: 500},
		},
		DefaultGraceMinutes:  120,
		DefaultHourlyRate:    75,
		GeofenceRadiusMeters: 200,
	}

	ts.srv = httptest.NewServer(server.Router())
	t.Cleanup(func() {
		// Stops the loops when a test leaves an event active.
		_, _ = ts.controller.Stop(context.Background())
		ts.srv.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})

	var payload map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&payload)
	}
	return resp, payload
}

func TestStartAndState(t *testing.T) {
	ts := newTestServer(t)

	resp, payload := ts.do(t, http.MethodPost, "/api/tracking/start", map[string]interface{}{
		"facility_id": "fac-1",
		"event_type":  "delivery",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ev-1", payload["event_id"])

	resp, payload = ts.do(t, http.MethodGet, "/api/tracking/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "grace_period", payload["state"])
	assert.Equal(t, true, payload["in_grace_period"])
}

func TestStartConflictsWhenTracking(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/tracking/start", map[string]interface{}{"event_type": "pickup"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, payload := ts.do(t, http.MethodPost, "/api/tracking/start", map[string]interface{}{"event_type": "pickup"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, payload["error"])
}

func TestStartRejectsUnknownEventType(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/tracking/start", map[string]interface{}{"event_type": "layover"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopFinalizes(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/tracking/start", map[string]interface{}{
		"event_type":           "delivery",
		"grace_period_minutes": 120,
		"hourly_rate":          75,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ts.clock = ts.clock.Add(195 * time.Minute)

	resp, payload := ts.do(t, http.MethodPost, "/api/tracking/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(75), payload["detention_minutes"])
	assert.Equal(t, 93.75, payload["total_amount"])
	assert.Equal(t, false, payload["pending_finalization"])
}

func TestStopWithoutActiveEvent(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/tracking/stop", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestNotes(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPatch, "/api/tracking/notes", map[string]string{"notes": "dock 14"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/tracking/start", map[string]interface{}{"event_type": "delivery"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPatch, "/api/tracking/notes", map[string]string{"notes": "dock 14"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestQueueStatus(t *testing.T) {
	ts := newTestServer(t)

	resp, payload := ts.do(t, http.MethodGet, "/api/queue/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), payload["pending"])
	assert.Equal(t, float64(0), payload["dead"])
}

func TestDeadLetterEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	// Park one item as a dead letter directly through the store.
	require.NoError(t, ts.store.Append(ctx, model.GpsLogEntry{
		EntryID:          "entry-1",
		DetentionEventID: "ev-9",
		Lat:              1,
		Lng:              2,
		Timestamp:        time.Now(),
	}))
	items, err := ts.store.ClaimBatch(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, ts.store.MarkDead(ctx, []int64{items[0].ID}, "gone for good"))

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/queue/dead", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dead []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dead))
	require.Len(t, dead, 1)
	assert.Equal(t, "ev-9", dead[0]["event_id"])
	assert.Equal(t, "gone for good", dead[0]["last_error"])

	id := int64(dead[0]["id"].(float64))
	requeueResp, _ := ts.do(t, http.MethodPost, fmt.Sprintf("/api/queue/dead/%d/requeue", id), nil)
	assert.Equal(t, http.StatusNoContent, requeueResp.StatusCode)

	// Already requeued, so a second requeue finds nothing.
	missingResp, _ := ts.do(t, http.MethodPost, fmt.Sprintf("/api/queue/dead/%d/requeue", id), nil)
	assert.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}

func TestNearestFacility(t *testing.T) {
	ts := newTestServer(t)

	resp, payload := ts.do(t, http.MethodGet, "/api/facilities/nearest?lat=41.8781&lng=-87.6298", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fac-1", payload["facility_id"])
	assert.Equal(t, true, payload["within_geofence"])
	assert.Equal(t, float64(0), payload["distance_meters"])
}

func TestNearestFacilityValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/api/facilities/nearest?lat=abc&lng=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/facilities/nearest?lat=91&lng=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func readStreamEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestStreamOutlivesServerWriteTimeout(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, store.InitSchema(context.Background()))

	remote := stubRemote{}
	q := &queue.Queue{Store: store, Remote: remote}
	controller := tracker.New(remote, q, stubProvider{}, store, nil, tracker.Config{
		UserID:           "driver-1",
		TickInterval:     time.Hour,
		SamplingInterval: time.Hour,
		StopFlushTimeout: time.Second,
	})
	t.Cleanup(func() {
		_, _ = controller.Stop(context.Background())
	})

	server := &web.Server{
		Controller:          controller,
		Queue:               q,
		DefaultGraceMinutes: 120,
		DefaultHourlyRate:   75,
	}

	hs := httptest.NewUnstartedServer(server.Router())
	hs.Config.WriteTimeout = 250 * time.Millisecond
	hs.Start()
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/api/tracking/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readStreamEvent(t, reader)
	assert.Contains(t, first, `"state":"idle"`)

	// Idle well past the server's write timeout, then force another
	// snapshot; the stream must still be alive to carry it.
	time.Sleep(600 * time.Millisecond)

	_, err = controller.Start(context.Background(), tracker.StartRequest{
		EventType:    model.EventTypeDelivery,
		GraceMinutes: 120,
		HourlyRate:   75,
	})
	require.NoError(t, err)

	second := readStreamEvent(t, reader)
	assert.Contains(t, second, `"state":"grace_period"`)
}
