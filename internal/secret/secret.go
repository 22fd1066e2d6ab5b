// Package secret implements the proxy-secret fetcher (spec §4.C): a
// local-cache-then-HTTPS two-step strategy for obtaining the bytes that
// seed the handshake key derivation.
//
// Grounded on original_source/'s tls_front/fetcher.rs, which wraps a
// network fetch in an explicit timeout and treats a short/invalid
// response as a typed failure rather than a panic; the cache-file check
// mirrors the same "stat, check age, check size, else fetch" shape.
package secret

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/telemt/meproxy/internal/log"
	"github.com/telemt/meproxy/internal/meerr"
)

// URL is the upstream source for the proxy secret (spec §6 "Proxy-secret
// source").
const URL = "https://core.telegram.org/getProxySecret"

// MinLen is the minimum acceptable secret length, both for a cached file
// and for a freshly fetched body.
const MinLen = 32

// MaxAge is the cache TTL: a cache file older than this is treated as
// stale and re-fetched.
const MaxAge = 24 * time.Hour

var logger = log.New("pkg", "secret")

// Fetcher obtains the proxy secret, preferring a local cache file over a
// network round trip.
type Fetcher struct {
	CachePath string
	Client    *http.Client

	// testURL overrides URL; left empty in production use.
	testURL string
}

// New returns a Fetcher reading/writing cachePath, using a 15s-timeout
// HTTP client unless client is non-nil.
func New(cachePath string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{CachePath: cachePath, Client: client}
}

// Fetch returns the proxy secret bytes, reading the cache if it is fresh
// and large enough, otherwise downloading from URL and best-effort
// persisting the result to the cache path.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	if b, ok := f.readCache(); ok {
		logger.Debug("proxy secret loaded from cache", "path", f.CachePath, "len", len(b))
		return b, nil
	}

	b, err := f.download(ctx)
	if err != nil {
		return nil, err
	}
	if err := f.writeCache(b); err != nil {
		logger.Warn("failed to persist proxy secret cache", "path", f.CachePath, "err", err)
	}
	return b, nil
}

func (f *Fetcher) readCache() ([]byte, bool) {
	if f.CachePath == "" {
		return nil, false
	}
	info, err := os.Stat(f.CachePath)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > MaxAge {
		return nil, false
	}
	b, err := os.ReadFile(f.CachePath)
	if err != nil || len(b) < MinLen {
		return nil, false
	}
	return b, true
}

func (f *Fetcher) writeCache(b []byte) error {
	if f.CachePath == "" {
		return nil
	}
	return os.WriteFile(f.CachePath, b, 0o600)
}

func (f *Fetcher) download(ctx context.Context) ([]byte, error) {
	url := URL
	if f.testURL != "" {
		url = f.testURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, meerr.New(meerr.ProxySecret, "secret.download", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, meerr.New(meerr.ProxySecret, "secret.download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, meerr.New(meerr.ProxySecret, "secret.download", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, meerr.New(meerr.ProxySecret, "secret.download", err)
	}
	if len(body) < MinLen {
		return nil, meerr.New(meerr.ProxySecret, "secret.download", fmt.Errorf("body length %d below minimum %d", len(body), MinLen))
	}
	logger.Info("proxy secret fetched", "len", len(body))
	return body, nil
}
