package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"aegis/core"
)

// maxFeedResponseSize bounds how much of a feed response is read
const maxFeedResponseSize = 16 << 20 // 16MB

// Source is an external threat feed. Fetch returns the feed's current
// candidates; the manager pushes them through the ingestion gateway, so
// sources never talk to storage directly.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]core.ThreatCandidate, error)
}

// JSONHTTPSource pulls a JSON array of threat candidates from an HTTP endpoint
type JSONHTTPSource struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// JSONSourceConfig configures one JSON HTTP feed
type JSONSourceConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// NewJSONHTTPSource creates a JSON HTTP feed source
func NewJSONHTTPSource(cfg JSONSourceConfig) (*JSONHTTPSource, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("feed source requires a name")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed source %q requires a url", cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &JSONHTTPSource{
		name:    cfg.Name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the source identifier used on ingested records
func (s *JSONHTTPSource) Name() string {
	return s.name
}

// Fetch downloads and decodes the feed.
// Candidates carry the feed's name as their source regardless of what the
// payload claims, so one feed cannot impersonate another.
func (s *JSONHTTPSource) Fetch(ctx context.Context) ([]core.ThreatCandidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "aegis-feeds/1.0")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %q returned status %d", s.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read feed response: %w", err)
	}

	var candidates []core.ThreatCandidate
	if err := json.Unmarshal(body, &candidates); err != nil {
		return nil, fmt.Errorf("failed to decode feed %q: %w", s.name, err)
	}

	for i := range candidates {
		candidates[i].Source = s.name
	}
	return candidates, nil
}
