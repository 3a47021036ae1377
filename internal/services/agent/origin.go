package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bioen07-del/gmp-labwork/internal/httpclient"
	"github.com/bioen07-del/gmp-labwork/internal/models"
)

// maxResourceSize bounds a single cached resource
const maxResourceSize = 32 << 20

// ErrResourceTooLarge is returned for bodies over the origin's size limit
var ErrResourceTooLarge = errors.New("resource exceeds size limit")

// hopHeaders are not stored or forwarded
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// forwardHeaders are copied from the foreground request to the origin
var forwardHeaders = []string{"Accept", "Accept-Language", "User-Agent"}

// Origin fetches front-end resources and the build descriptor
type Origin struct {
	baseURL     *url.URL
	versionPath string
	precache    []string
	client      *http.Client
	maxSize     int64
}

// NewOrigin creates an origin for baseURL
func NewOrigin(baseURL, versionPath string, precache []string, timeout time.Duration) (*Origin, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL %s: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin URL %s must be absolute", baseURL)
	}
	return &Origin{
		baseURL:     u,
		versionPath: versionPath,
		precache:    precache,
		client:      httpclient.NewDefaultHTTPClient(timeout),
		maxSize:     maxResourceSize,
	}, nil
}

// Host returns the origin host
func (o *Origin) Host() string {
	return o.baseURL.Host
}

// Resolve returns the absolute URL for a resource key or absolute URL
func (o *Origin) Resolve(key string) (*url.URL, error) {
	ref, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("invalid resource %s: %w", key, err)
	}
	return o.baseURL.ResolveReference(ref), nil
}

// FetchResource GETs key and returns it as a cacheable resource, whatever its status
func (o *Origin) FetchResource(ctx context.Context, key string) (*models.CachedResource, error) {
	return o.fetch(ctx, key, nil)
}

func (o *Origin) fetch(ctx context.Context, key string, header http.Header) (*models.CachedResource, error) {
	target, err := o.Resolve(key)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for _, name := range forwardHeaders {
		if v := header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	// One byte past the limit tells a truncated body from one that fits exactly
	body, err := io.ReadAll(io.LimitReader(resp.Body, o.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if int64(len(body)) > o.maxSize {
		return nil, fmt.Errorf("failed to read %s: %w of %d bytes", key, ErrResourceTooLarge, o.maxSize)
	}

	h := resp.Header.Clone()
	for _, name := range hopHeaders {
		h.Del(name)
	}

	return &models.CachedResource{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// LatestBuild reads the always-fresh build descriptor. A descriptor without a
// precache list gets the configured one.
func (o *Origin) LatestBuild(ctx context.Context) (*models.BuildInfo, error) {
	res, err := o.fetch(ctx, o.versionPath, nil)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("build descriptor %s returned status %d", o.versionPath, res.Status)
	}

	var info models.BuildInfo
	if err := json.Unmarshal(res.Body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse build descriptor: %w", err)
	}
	if strings.TrimSpace(info.Version) == "" {
		return nil, fmt.Errorf("build descriptor has no version")
	}
	if strings.ContainsAny(info.Version, "|/ ") {
		return nil, fmt.Errorf("build version %q contains reserved characters", info.Version)
	}
	if len(info.Precache) == 0 {
		info.Precache = append([]string(nil), o.precache...)
	}
	return &info, nil
}
