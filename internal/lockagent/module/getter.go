package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Getter retrieves the raw bytes behind one candidate location.
type Getter interface {
	Get(ctx context.Context, location string) ([]byte, error)
}

// HTTPGetter downloads http and https candidates. Only a 200 response with a
// non-empty body within MaxBytes is a success.
type HTTPGetter struct {
	Client      *http.Client
	BearerToken string
	MaxBytes    int64
	UserAgent   string
}

var errEmptyBody = errors.New("empty response body")

func (g *HTTPGetter) Get(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	if g.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.BearerToken)
	}
	if g.UserAgent != "" {
		req.Header.Set("User-Agent", g.UserAgent)
	}
	req.Header.Set("Cache-Control", "no-cache")

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return readLimited(resp.Body, g.MaxBytes)
}

// readLimited reads r fully, failing on an empty body or one above max bytes.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max > 0 {
		r = io.LimitReader(r, max+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if max > 0 && int64(len(body)) > max {
		return nil, fmt.Errorf("body exceeds %d bytes", max)
	}
	if len(body) == 0 {
		return nil, errEmptyBody
	}
	return body, nil
}
