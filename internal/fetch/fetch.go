package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Fetcher resolves an opaque batch locator to the batch contents. The
// object-storage layer behind the locator is an external hand-off buffer,
// not part of the pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// LocatorFetcher handles http(s) URLs, file: URLs and plain paths.
type LocatorFetcher struct {
	client *http.Client
}

func NewLocatorFetcher(timeout time.Duration) *LocatorFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LocatorFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *LocatorFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, fmt.Errorf("empty batch locator")
	}
	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return f.fetchHTTP(ctx, locator)
	case strings.HasPrefix(locator, "file://"):
		return os.ReadFile(strings.TrimPrefix(locator, "file://"))
	default:
		return os.ReadFile(locator)
	}
}

func (f *LocatorFetcher) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}
