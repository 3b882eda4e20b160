package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// HTTPSource queries a JSON web API. The URL template may contain {subject},
// which is replaced with the escaped subject. The named field of the
// response object must be a boolean, or the source has no answer.
type HTTPSource struct {
	name     string
	template string
	field    string
	client   *http.Client
}

// NewHTTPSource returns a source using its own client with the given timeout.
func NewHTTPSource(name, template, field string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		name:     name,
		template: template,
		field:    field,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Result(ctx context.Context, subject string) (bool, error) {
	target := strings.ReplaceAll(s.template, "{subject}", url.PathEscape(subject))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("querying %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: %s responded %d", ErrNoAnswer, s.name, resp.StatusCode)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return false, fmt.Errorf("decoding response: %w", err)
	}

	raw, ok := body[s.field]
	if !ok {
		return false, fmt.Errorf("%w: field %q missing", ErrNoAnswer, s.field)
	}
	var flagged bool
	if err := json.Unmarshal(raw, &flagged); err != nil {
		return false, fmt.Errorf("%w: field %q is not a boolean", ErrNoAnswer, s.field)
	}
	return flagged, nil
}
