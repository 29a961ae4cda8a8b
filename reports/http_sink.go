package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sonic-sentinel/models"
)

// HTTPSink posts reports as JSON to {baseURL}/api/reports.
type HTTPSink struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSink(baseURL string) *HTTPSink {
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}

	return &HTTPSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (h *HTTPSink) Submit(ctx context.Context, report models.Report, token string) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/reports", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &SubmissionError{Kind: Network, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &SubmissionError{Kind: Unauthorized, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &SubmissionError{Kind: Network, Err: fmt.Errorf("report endpoint returned status %d: %s", resp.StatusCode, string(bodyBytes))}
	}
	return nil
}
