package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hwmirror/internal/apperr"
	appLog "hwmirror/internal/log"
)

const defaultFetchTimeout = 20 * time.Second

// Source is one ICS subscription.
type Source struct {
	// ID names the source in logs.
	ID string
	// URL is the ICS endpoint. webcal:// URLs are fetched over http://.
	URL string
}

// FetchResult is the outcome of fetching one Source.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool // served from disk after a 304 or a failed request
}

// Getter yields the current calendar document.
type Getter interface {
	Get(ctx context.Context) ([]byte, error)
}

// GetterFunc adapts a function to Getter.
type GetterFunc func(ctx context.Context) ([]byte, error)

func (f GetterFunc) Get(ctx context.Context) ([]byte, error) { return f(ctx) }

// Fetcher downloads ICS feeds with conditional requests. The last good body
// per URL is kept on disk so a flaky upstream still yields a calendar.
type Fetcher struct {
	client *http.Client
	cache  *diskCache
}

// NewFetcher creates a Fetcher caching under cacheDir. A zero timeout means
// defaultFetchTimeout.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		cache:  &diskCache{dir: cacheDir},
	}
}

// Feed binds the fetcher to one source.
func (f *Fetcher) Feed(src Source) Getter {
	return GetterFunc(func(ctx context.Context) ([]byte, error) {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
}

// FetchOne fetches src, sending If-None-Match / If-Modified-Since from the
// disk cache. When the request fails and a cached body exists, the cached
// body is returned instead. Failures with nothing to fall back on are
// FETCH_TRANSIENT errors; the URL in them is redacted.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	res, err := f.fetch(ctx, src)
	if err != nil {
		return FetchResult{}, apperr.NewTransientFetch("fetch calendar", redactURL(src.URL), err)
	}
	return res, nil
}

func (f *Fetcher) fetch(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}
	url := httpURL(src.URL)
	safe := redactURL(url)

	entry, err := f.cache.load(url)
	if err != nil {
		appLog.Debug("ics cache unreadable", "id", src.ID, "url", safe, "err", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		req.Header.Set("If-Modified-Since", entry.LastModified)
	}

	fallback := func(cause error) (FetchResult, error) {
		if len(entry.body) == 0 {
			return FetchResult{}, cause
		}
		appLog.Error("ics fetch failed, using cached body", cause, "id", src.ID, "url", safe)
		return FetchResult{Source: src, Body: entry.body, FromCache: true}, nil
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", safe)
	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fallback(err)
		}
		next := cacheEntry{
			URL:          url,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			body:         body,
		}
		if err := f.cache.save(next); err != nil {
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", safe)
		}
		appLog.Info("ics fetch success", "id", src.ID, "url", safe, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(entry.body) == 0 {
			return FetchResult{}, errors.New("304 Not Modified without a cached body")
		}
		appLog.Debug("ics not modified", "id", src.ID, "url", safe)
		return FetchResult{Source: src, Body: entry.body, FromCache: true}, nil

	default:
		return fallback(fmt.Errorf("unexpected status %s", resp.Status))
	}
}

// httpURL rewrites webcal subscription links to plain HTTP.
func httpURL(u string) string {
	if rest, ok := strings.CutPrefix(u, "webcal://"); ok {
		return "http://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "webcals://"); ok {
		return "https://" + rest
	}
	return u
}

// redactURL keeps only scheme and host. Feed URLs embed an access token in
// the path.
//
//	https://example.com/parent/events/token/abcd.ics
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	i += 3

	j := strings.IndexByte(u[i:], '/')
	if j == -1 {
		return u + redactedSuffix
	}
	return u[:i+j] + redactedSuffix
}
