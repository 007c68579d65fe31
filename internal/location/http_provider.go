package location

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"detentiond/internal/model"
)

// HTTPProvider reads fixes from a local location daemon over HTTP. The
// daemon answers GET /fix with the current sample, 403 when the user
// has revoked access, and 503 when no fix is available.
type HTTPProvider struct {
	BaseURL    string
	HTTPClient *http.Client

	mu         sync.Mutex
	permission PermissionState
}

func (p *HTTPProvider) CurrentSample(ctx context.Context) (model.Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/fix", nil)
	if err != nil {
		return model.Sample{}, err
	}

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return model.Sample{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		p.setPermission(PermissionDenied)
		return model.Sample{}, ErrPermissionDenied
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.Sample{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	var payload struct {
		Lat       float64 `json:"lat"`
		Lng       float64 `json:"lng"`
		Accuracy  float64 `json:"accuracy"`
		Timestamp string  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return model.Sample{}, fmt.Errorf("%w: decode fix: %v", ErrUnavailable, err)
	}

	ts := time.Now()
	if payload.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, payload.Timestamp)
		if err != nil {
			return model.Sample{}, fmt.Errorf("%w: parse timestamp: %v", ErrUnavailable, err)
		}
		ts = parsed
	}

	p.setPermission(PermissionGranted)
	return model.Sample{
		Lat:       payload.Lat,
		Lng:       payload.Lng,
		Accuracy:  payload.Accuracy,
		Timestamp: ts,
	}, nil
}

func (p *HTTPProvider) Permission() PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permission == "" {
		return PermissionUnknown
	}
	return p.permission
}

func (p *HTTPProvider) RequestPermission(ctx context.Context, scope Scope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/permission?scope="+string(scope), nil)
	if err != nil {
		return err
	}

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		p.setPermission(PermissionDenied)
		return ErrPermissionDenied
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	p.setPermission(PermissionGranted)
	return nil
}

func (p *HTTPProvider) setPermission(state PermissionState) {
	p.mu.Lock()
	p.permission = state
	p.mu.Unlock()
}
