// Package manifest fetches playlist manifests from the content server. A
// manifest lists every media item a display group should have cached.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nstephens/glowworm-display/internal/httpclient"
)

// Item describes one media asset in a playlist. ExpiresAt is optional; the
// server sets it for time-boxed campaign media.
type Item struct {
	ID        string    `json:"id"`
	SourceURL string    `json:"source_url"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	GroupID   int64     `json:"group_id"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Manifest is the content server's answer for one display group.
type Manifest struct {
	Count     int    `json:"count"`
	TotalSize int64  `json:"total_size"`
	Items     []Item `json:"manifest"`
}

// Client talks to the content server's playlist API. With fallback servers
// configured it tries each in order until one answers.
type Client struct {
	bases []string
	http  *http.Client
}

// NewClient returns a Client for the server at baseURL, with optional
// fallback servers tried in order when it is unreachable. A nil httpClient
// falls back to http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, fallbacks ...string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	bases := make([]string, 0, 1+len(fallbacks))
	for _, base := range append([]string{baseURL}, fallbacks...) {
		bases = append(bases, strings.TrimRight(base, "/"))
	}
	return &Client{
		bases: bases,
		http:  httpClient,
	}
}

// Fetch retrieves the manifest for a display group. Every configured server
// is tried before giving up; the last failure is returned.
func (c *Client) Fetch(ctx context.Context, groupID int64) (*Manifest, error) {
	var lastErr error
	for _, base := range c.bases {
		m, err := c.fetchFrom(ctx, base, groupID)
		if err == nil {
			return m, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Warn("Failed to fetch manifest from server", "server", base, "error", err)
	}
	return nil, lastErr
}

func (c *Client) fetchFrom(ctx context.Context, base string, groupID int64) (*Manifest, error) {
	url := fmt.Sprintf("%s/api/playlists/%d/manifest", base, groupID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest for group %d: %w", groupID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch manifest for group %d: %w",
			groupID, &httpclient.StatusError{Code: resp.StatusCode})
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest for group %d: %w", groupID, err)
	}

	// The item list is authoritative; a disagreeing count is a server bug
	// worth surfacing but not worth failing over.
	if m.Count != len(m.Items) {
		slog.Warn("Manifest count disagrees with item list",
			"group_id", groupID,
			"count", m.Count,
			"items", len(m.Items))
	}

	slog.Debug("Fetched manifest",
		"group_id", groupID,
		"items", len(m.Items),
		"total_size", m.TotalSize)
	return &m, nil
}
