// Package publisher is the HTTP client for the optional external content
// publisher. Oversized outbound messages are POSTed to the publisher and
// replaced by a short summary linking to the published page; any publish
// failure falls through to normal chunked delivery, so the publisher is
// never on the critical path.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// requestTimeout bounds one publish round trip.
const requestTimeout = 10 * time.Second

// publishRequest is the wire format for POST /api/publish.
type publishRequest struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Type    string `json:"type"`
	Summary string `json:"summary"`
}

// publishResponse is the server's answer.
type publishResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Publisher publishes markdown documents to an external content service.
// The zero value is a disabled publisher; create a working one with New.
type Publisher struct {
	baseURL    string
	token      string
	publicBase string
	client     *http.Client
	logger     *slog.Logger
}

// New creates a Publisher for the service at baseURL, authenticating with
// the bearer token. publicBase, when non-empty, overrides the URL the
// server returns: published documents are linked as <publicBase>/p/<id>.
// An empty baseURL yields a disabled publisher.
func New(baseURL, token, publicBase string, logger *slog.Logger) *Publisher {
	return &Publisher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		publicBase: strings.TrimRight(publicBase, "/"),
		client:     &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

// Enabled reports whether a publisher endpoint is configured.
func (p *Publisher) Enabled() bool {
	return p != nil && p.baseURL != ""
}

// Publish POSTs a markdown document and returns the public URL it can be
// read at. The caller falls back to chunked delivery on any error.
func (p *Publisher) Publish(ctx context.Context, title, body, summary string) (string, error) {
	if !p.Enabled() {
		return "", fmt.Errorf("publisher: not configured")
	}

	payload, err := json.Marshal(publishRequest{
		Title:   title,
		Body:    body,
		Type:    "markdown",
		Summary: summary,
	})
	if err != nil {
		return "", fmt.Errorf("publisher: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/publish", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("publisher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("publisher: publish: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a little of the body for the log line, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("publisher: publish returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var pr publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("publisher: decode response: %w", err)
	}

	if p.publicBase != "" && pr.ID != "" {
		return p.publicBase + "/p/" + pr.ID, nil
	}
	if pr.URL == "" {
		return "", fmt.Errorf("publisher: response has neither usable id nor url")
	}
	return pr.URL, nil
}
