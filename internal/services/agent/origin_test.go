package agent

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchResourceSizeLimit(t *testing.T) {
	fake := newFakeOrigin(t, "v1")
	origin, err := NewOrigin(fake.server.URL, "/version.json", nil, 5*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	// Body is "v1 /app.js", ten bytes
	origin.maxSize = 10
	res, err := origin.FetchResource(ctx, "/app.js")
	require.NoError(t, err)
	assert.Equal(t, "v1 /app.js", string(res.Body))

	origin.maxSize = 9
	res, err = origin.FetchResource(ctx, "/app.js")
	assert.ErrorIs(t, err, ErrResourceTooLarge)
	assert.Nil(t, res)
}

func TestServeOversizedResourceIsNotCached(t *testing.T) {
	h := newHarness(t, "v1")
	ctx := context.Background()
	require.NoError(t, h.registration.Register(ctx))

	h.upstream.maxSize = 4
	resp, reval, err := h.fetcher.Serve(ctx, get(t, "/assets/huge.js"))
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.ErrorIs(t, reval.Err(), ErrResourceTooLarge)

	cached, err := h.cache.Match(ctx, "gmp-labwork-v1", "/assets/huge.js")
	require.NoError(t, err)
	assert.Nil(t, cached)
}
