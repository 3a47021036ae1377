package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/common"
	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/models"
)

// Response sources
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
	SourceOffline = "offline"
	SourceBypass  = "bypass"
)

// Response is a resource served to the foreground
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source string
}

func responseFrom(res *models.CachedResource, source string) *Response {
	return &Response{
		Status: res.Status,
		Header: http.Header(res.Header).Clone(),
		Body:   res.Body,
		Source: source,
	}
}

func offlineResponse() *Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte("Offline"),
		Source: SourceOffline,
	}
}

// Revalidation is a background network refresh of one cached resource.
// Done is closed when the refresh finishes; Err is valid after that.
type Revalidation struct {
	Key  string
	done chan struct{}
	err  error
	res  *models.CachedResource
}

func newRevalidation(key string) *Revalidation {
	return &Revalidation{Key: key, done: make(chan struct{})}
}

func (r *Revalidation) Done() <-chan struct{} { return r.done }

// Err returns the network or cache error of the refresh, nil before Done
func (r *Revalidation) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the refresh finishes or ctx ends
func (r *Revalidation) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetcher serves foreground requests with the active agent's cache set
type Fetcher struct {
	registration *Registration
	origin       *Origin
	cache        interfaces.ResourceCache
	versionPath  string
	bypassHosts  []string
	timeout      time.Duration
	logger       arbor.ILogger

	wg sync.WaitGroup
}

// NewFetcher creates a fetcher
func NewFetcher(registration *Registration, origin *Origin, cache interfaces.ResourceCache, versionPath string, bypassHosts []string, timeout time.Duration, logger arbor.ILogger) *Fetcher {
	return &Fetcher{
		registration: registration,
		origin:       origin,
		cache:        cache,
		versionPath:  versionPath,
		bypassHosts:  bypassHosts,
		timeout:      timeout,
		logger:       logger,
	}
}

func (f *Fetcher) isBypassed(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return true
	}
	host := req.URL.Host
	if host == "" {
		host = f.origin.Host()
	}
	for _, bypass := range f.bypassHosts {
		if bypass != "" && strings.Contains(host, bypass) {
			return true
		}
	}
	return false
}

func (f *Fetcher) isAlwaysFresh(key string) bool {
	path := key
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return f.versionPath != "" && strings.HasSuffix(path, f.versionPath)
}

// requestKey is the absolute URL for cross-origin requests, otherwise path and query
func requestKey(req *http.Request) string {
	if req.URL.Host != "" {
		return req.URL.String()
	}
	return req.URL.RequestURI()
}

// Serve answers req. The returned Revalidation is non-nil when a background
// refresh was started; callers may ignore it.
func (f *Fetcher) Serve(ctx context.Context, req *http.Request) (*Response, *Revalidation, error) {
	key := requestKey(req)

	if f.isBypassed(req) {
		return nil, nil, fmt.Errorf("%s %s is not served by the update agent", req.Method, key)
	}

	active := f.registration.Active()
	if active == nil {
		// No controller: plain network, nothing cached
		res, err := f.origin.fetch(ctx, key, req.Header)
		if err != nil {
			return offlineResponse(), nil, nil
		}
		return responseFrom(res, SourceNetwork), nil, nil
	}

	if f.isAlwaysFresh(key) {
		res, err := f.origin.fetch(ctx, key, req.Header)
		if err != nil {
			f.logger.Debug().Err(err).Str("key", key).Msg("Always-fresh fetch failed")
			return offlineResponse(), nil, nil
		}
		return responseFrom(res, SourceNetwork), nil, nil
	}

	cached, err := f.cache.Match(ctx, active.CacheName(), key)
	if err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("Cache lookup failed")
		cached = nil
	}

	reval := f.revalidate(ctx, active.CacheName(), key, req.Header)

	if cached != nil {
		return responseFrom(cached, SourceCache), reval, nil
	}

	if err := reval.Wait(ctx); err != nil || reval.res == nil {
		return offlineResponse(), reval, nil
	}
	return responseFrom(reval.res, SourceNetwork), reval, nil
}

// revalidate fetches key in the background and stores 2xx responses in cacheName
func (f *Fetcher) revalidate(ctx context.Context, cacheName, key string, header http.Header) *Revalidation {
	reval := newRevalidation(key)
	header = header.Clone()

	f.wg.Add(1)
	common.SafeGo(f.logger, "revalidate", func() {
		defer f.wg.Done()
		defer close(reval.done)

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()

		res, err := f.origin.fetch(fetchCtx, key, header)
		if err != nil {
			reval.err = err
			return
		}
		reval.res = res

		if res.Status < 200 || res.Status > 299 {
			return
		}
		if err := f.cache.Put(fetchCtx, cacheName, res); err != nil {
			reval.err = err
			f.logger.Warn().Err(err).Str("key", key).Str("cache", cacheName).Msg("Failed to refresh cached resource")
		}
	})
	return reval
}

// Wait blocks until all background refreshes have finished
func (f *Fetcher) Wait() {
	f.wg.Wait()
}
