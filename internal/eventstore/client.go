// Package eventstore is the client adapter for the remote event
// persistence API. Calls are idempotent-safe to retry; GPS log inserts
// are deduplicated server-side on the entry id.
package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"detentiond/internal/model"
)

type Client struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// CreateEventRequest carries the fields for a newly started event.
type CreateEventRequest struct {
	UserID        string    `json:"user_id"`
	FacilityID    string    `json:"facility_id,omitempty"`
	LoadReference string    `json:"load_reference,omitempty"`
	EventType     string    `json:"event_type"`
	ArrivalTime   time.Time `json:"arrival_time"`
	GraceMinutes  int       `json:"grace_period_minutes"`
	HourlyRate    float64   `json:"hourly_rate"`
	Status        string    `json:"status"`
}

// PatchEventRequest carries a partial update. Nil fields are omitted.
type PatchEventRequest struct {
	DepartureTime    *time.Time `json:"departure_time,omitempty"`
	DetentionStart   *time.Time `json:"detention_start,omitempty"`
	DetentionMinutes *int       `json:"detention_minutes,omitempty"`
	TotalAmount      *float64   `json:"total_amount,omitempty"`
	Status           *string    `json:"status,omitempty"`
	Notes            *string    `json:"notes,omitempty"`
}

func (c *Client) CreateEvent(ctx context.Context, req CreateEventRequest) (string, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/detention_events", req, &payload); err != nil {
		return "", err
	}
	if payload.ID == "" {
		return "", fmt.Errorf("create event: empty id in response")
	}
	return payload.ID, nil
}

func (c *Client) PatchEvent(ctx context.Context, eventID string, req PatchEventRequest) error {
	path := fmt.Sprintf("/detention_events/%s", url.PathEscape(eventID))
	return c.doJSON(ctx, http.MethodPatch, path, req, nil)
}

// InsertGpsLogs delivers one batch of samples. The server upserts on
// entry id, so re-sending a batch after an ambiguous failure cannot
// create duplicates.
func (c *Client) InsertGpsLogs(ctx context.Context, batch []model.GpsLogEntry) error {
	if len(batch) == 0 {
		return nil
	}

	type wireEntry struct {
		EntryID          string    `json:"entry_id"`
		DetentionEventID string    `json:"detention_event_id"`
		Lat              float64   `json:"lat"`
		Lng              float64   `json:"lng"`
		Accuracy         *float64  `json:"accuracy,omitempty"`
		Timestamp        time.Time `json:"timestamp"`
	}

	entries := make([]wireEntry, 0, len(batch))
	for _, e := range batch {
		entry := wireEntry{
			EntryID:          e.EntryID,
			DetentionEventID: e.DetentionEventID,
			Lat:              e.Lat,
			Lng:              e.Lng,
			Timestamp:        e.Timestamp,
		}
		if e.Accuracy > 0 {
			acc := e.Accuracy
			entry.Accuracy = &acc
		}
		entries = append(entries, entry)
	}

	return c.doJSON(ctx, http.MethodPost, "/gps_logs/batch", entries, nil)
}

// ActiveEvent fetches the user's still-active event, if any. A nil
// event with nil error means none is active.
func (c *Client) ActiveEvent(ctx context.Context, userID string) (*model.DetentionEvent, error) {
	var payload []struct {
		ID            string  `json:"id"`
		UserID        string  `json:"user_id"`
		FacilityID    string  `json:"facility_id"`
		LoadReference string  `json:"load_reference"`
		EventType     string  `json:"event_type"`
		ArrivalTime   string  `json:"arrival_time"`
		GraceMinutes  int     `json:"grace_period_minutes"`
		HourlyRate    float64 `json:"hourly_rate"`
		Notes         string  `json:"notes"`
	}

	params := url.Values{}
	params.Set("user_id", userID)
	params.Set("status", string(model.StatusActive))
	path := "/detention_events?" + params.Encode()

	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}

	p := payload[0]
	arrival, err := time.Parse(time.RFC3339, p.ArrivalTime)
	if err != nil {
		return nil, fmt.Errorf("parse arrival_time: %w", err)
	}

	return &model.DetentionEvent{
		ID:             p.ID,
		UserID:         p.UserID,
		FacilityID:     p.FacilityID,
		LoadReference:  p.LoadReference,
		EventType:      model.EventType(p.EventType),
		ArrivalTime:    arrival,
		GracePeriodEnd: arrival.Add(time.Duration(p.GraceMinutes) * time.Minute),
		GraceMinutes:   p.GraceMinutes,
		HourlyRate:     p.HourlyRate,
		Status:         model.StatusActive,
		Notes:          p.Notes,
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, target interface{}) error {
	base := c.BaseURL
	if base == "" {
		return fmt.Errorf("event store base url not configured")
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}

	c.logRequest(method, base+path)

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
