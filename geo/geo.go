// Package geo resolves the device position attached to reports.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrUnavailable = errors.New("location unavailable")

type Locator interface {
	Locate(ctx context.Context) (lat, lon float64, err error)
}

// StaticLocator returns a configured position.
type StaticLocator struct {
	Latitude  float64
	Longitude float64
}

func (s StaticLocator) Locate(context.Context) (float64, float64, error) {
	return s.Latitude, s.Longitude, nil
}

// NoLocator never knows where it is.
type NoLocator struct{}

func (NoLocator) Locate(context.Context) (float64, float64, error) {
	return 0, 0, ErrUnavailable
}

// HTTPLocator asks an IP geolocation endpoint that answers with
// {"latitude": .., "longitude": ..} or {"lat": .., "lon": ..}.
type HTTPLocator struct {
	URL    string
	Client *http.Client
}

func NewHTTPLocator(url string) *HTTPLocator {
	return &HTTPLocator{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

type lookupResponse struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
}

func (h *HTTPLocator) Locate(ctx context.Context) (float64, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("geolocation lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("geolocation lookup: %s: %w", resp.Status, ErrUnavailable)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, 0, fmt.Errorf("decoding geolocation: %w", err)
	}
	switch {
	case body.Latitude != nil && body.Longitude != nil:
		return *body.Latitude, *body.Longitude, nil
	case body.Lat != nil && body.Lon != nil:
		return *body.Lat, *body.Lon, nil
	}
	return 0, 0, ErrUnavailable
}
