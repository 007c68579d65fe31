// Package web exposes the tracking controller to the UI layer over
// HTTP. It is a thin translation layer: all state lives in the
// controller and the queue.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"detentiond/internal/geo"
	"detentiond/internal/model"
	"detentiond/internal/queue"
	"detentiond/internal/tracker"
)

type Server struct {
	Controller *tracker.Controller
	Queue      *queue.Queue
	Facilities []model.Facility
	Logger     *zap.Logger

	DefaultGraceMinutes  int
	DefaultHourlyRate    float64
	GeofenceRadiusMeters float64
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tracking/start", s.handleStart)
		r.Post("/tracking/stop", s.handleStop)
		r.Get("/tracking/state", s.handleState)
		r.Get("/tracking/stream", s.handleStream)
		r.Patch("/tracking/notes", s.handleNotes)
		r.Get("/queue/status", s.handleQueueStatus)
		r.Get("/queue/dead", s.handleDeadLetters)
		r.Post("/queue/dead/{id}/requeue", s.handleRequeueDead)
		r.Delete("/queue/dead/{id}", s.handleDiscardDead)
		r.Get("/facilities/nearest", s.handleNearestFacility)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

type startRequest struct {
	FacilityID    string   `json:"facility_id"`
	LoadReference string   `json:"load_reference"`
	EventType     string   `json:"event_type"`
	GraceMinutes  *int     `json:"grace_period_minutes"`
	HourlyRate    *float64 `json:"hourly_rate"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	grace := s.DefaultGraceMinutes
	if req.GraceMinutes != nil {
		grace = *req.GraceMinutes
	}
	rate := s.DefaultHourlyRate
	if req.HourlyRate != nil {
		rate = *req.HourlyRate
	}

	eventID, err := s.Controller.Start(r.Context(), tracker.StartRequest{
		FacilityID:    req.FacilityID,
		LoadReference: req.LoadReference,
		EventType:     model.EventType(req.EventType),
		GraceMinutes:  grace,
		HourlyRate:    rate,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"event_id": eventID})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.Controller.Stop(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"detention_minutes":    result.DetentionMinutes,
		"total_amount":         result.TotalAmount,
		"pending_finalization": s.Controller.PendingFinalization(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Controller.Snapshot(r.Context()))
}

// handleStream pushes snapshots as server-sent events until the client
// disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The stream is long-lived; the server's write timeout must not
	// apply to it.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && s.Logger != nil {
		s.Logger.Warn("clear stream write deadline", zap.Error(err))
	}

	snapshots, cancel := s.Controller.Subscribe()
	defer cancel()

	// Send the current state immediately so the client never waits a
	// full tick for its first render.
	s.writeEvent(w, s.Controller.Snapshot(r.Context()))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			s.writeEvent(w, snap)
			flusher.Flush()
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, snap tracker.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	var req notesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if err := s.Controller.UpdateNotes(r.Context(), req.Notes); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.Queue.Store.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	type deadItem struct {
		ID        int64   `json:"id"`
		EventID   string  `json:"event_id"`
		Lat       float64 `json:"lat"`
		Lng       float64 `json:"lng"`
		Attempts  int     `json:"attempts"`
		LastError string  `json:"last_error"`
	}
	out := make([]deadItem, 0, len(items))
	for _, item := range items {
		out = append(out, deadItem{
			ID:        item.ID,
			EventID:   item.EventID,
			Lat:       item.Lat,
			Lng:       item.Lng,
			Attempts:  item.Attempts,
			LastError: item.LastError,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return
	}
	if err := s.Queue.Store.RequeueDead(r.Context(), id); err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("dead letter %d not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiscardDead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return
	}
	if err := s.Queue.Store.DiscardDead(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearestFacility(w http.ResponseWriter, r *http.Request) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid lat"))
		return
	}
	lng, err := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid lng"))
		return
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("coordinates out of range"))
		return
	}

	point := geo.Point{Lat: lat, Lng: lng}
	nearest := geo.FindNearest(point, s.Facilities)
	if nearest == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no facilities configured"))
		return
	}

	radius := geo.FacilityRadius(nearest.Facility)
	if s.GeofenceRadiusMeters > 0 && nearest.Facility.GeofenceRadius == 0 {
		radius = s.GeofenceRadiusMeters
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"facility_id":     nearest.Facility.ID,
		"facility_name":   nearest.Facility.Name,
		"distance_meters": nearest.DistanceMeters,
		"within_geofence": geo.IsWithinGeofence(point, nearest.Facility, radius),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && s.Logger != nil {
		s.Logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if s.Logger != nil && status >= 500 {
		s.Logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps controller errors onto HTTP statuses: invariant
// violations are conflicts, validation failures bad requests, and
// everything else a bad gateway since the remote store is the usual
// culprit.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrAlreadyTracking), errors.Is(err, tracker.ErrNotTracking):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
