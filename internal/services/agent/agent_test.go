package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/common"
	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/models"
	"github.com/bioen07-del/gmp-labwork/internal/services/events"
	"github.com/bioen07-del/gmp-labwork/internal/storage/badger"
)

// fakeOrigin serves a front-end build whose version can be bumped
type fakeOrigin struct {
	mu       sync.Mutex
	version  string
	down     bool
	failPath string
	hits     map[string]int
	server   *httptest.Server
}

func newFakeOrigin(t *testing.T, version string) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{version: version, hits: make(map[string]int)}
	o.server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.server.Close)
	return o
}

func (o *fakeOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	version, down, failPath := o.version, o.down, o.failPath
	o.hits[r.URL.Path]++
	o.mu.Unlock()

	if down {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
	}
	switch r.URL.Path {
	case failPath:
		http.Error(w, "broken", http.StatusInternalServerError)
	case "/version.json":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": version})
	case "/missing.js":
		http.NotFound(w, r)
	default:
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "%s %s", version, r.URL.Path)
	}
}

func (o *fakeOrigin) set(fn func(o *fakeOrigin)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o)
}

func (o *fakeOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

type harness struct {
	origin       *fakeOrigin
	upstream     *Origin
	cache        interfaces.ResourceCache
	registration *Registration
	fetcher      *Fetcher
	events       chan interfaces.Event
}

func newHarness(t *testing.T, version string) *harness {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cache := badger.NewResourceCache(db, logger)

	fake := newFakeOrigin(t, version)
	origin, err := NewOrigin(fake.server.URL, "/version.json", []string{"/", "/index.html", "/manifest.json"}, 5*time.Second)
	require.NoError(t, err)

	eventService := events.NewService(logger)
	received := make(chan interfaces.Event, 16)
	for _, et := range []interfaces.EventType{interfaces.EventUpdateAvailable, interfaces.EventControllerChanged} {
		_, err := eventService.Subscribe(et, func(ctx context.Context, event interfaces.Event) error {
			received <- event
			return nil
		})
		require.NoError(t, err)
	}

	registration := NewRegistration("gmp-labwork", cache, origin, nil, eventService, logger)
	fetcher := NewFetcher(registration, origin, cache, "/version.json", []string{"supabase.co"}, 5*time.Second, logger)
	t.Cleanup(fetcher.Wait)

	return &harness{origin: fake, upstream: origin, cache: cache, registration: registration, fetcher: fetcher, events: received}
}

func (h *harness) cacheNames(t *testing.T) []string {
	t.Helper()
	names, err := h.cache.Keys(context.Background())
	require.NoError(t, err)
	return names
}

func (h *harness) expectEvent(t *testing.T, eventType interfaces.EventType) interfaces.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-h.events:
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event", eventType)
			return interfaces.Event{}
		}
	}
}

func get(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	return req
}

func TestRegisterActivatesFirstBuild(t *testing.T) {
	h := newHarness(t, "v1")

	require.NoError(t, h.registration.Register(context.Background()))

	active := h.registration.Active()
	require.NotNil(t, active)
	assert.Equal(t, "v1", active.Version())
	assert.Equal(t, models.AgentStateActive, active.State())
	assert.Nil(t, h.registration.Waiting())
	assert.Equal(t, []string{"gmp-labwork-v1"}, h.cacheNames(t))

	status := h.registration.Status()
	assert.False(t, status.UpdateAvailable)
	assert.Equal(t, "v1", status.ActiveVersion)
	assert.NotNil(t, status.LastCheck)

	res, err := h.cache.Match(context.Background(), "gmp-labwork-v1", "/manifest.json")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "v1 /manifest.json", string(res.Body))
}

func TestUpdateApplyReloadsExactlyOnce(t *testing.T) {
	h := newHarness(t, "0.6.1")
	ctx := context.Background()
	require.NoError(t, h.registration.Register(ctx))

	var reloads int32
	var reloadedTo atomic.Value
	controller := NewController(h.registration, func(version string) {
		atomic.AddInt32(&reloads, 1)
		reloadedTo.Store(version)
	})
	defer controller.Close()

	h.origin.set(func(o *fakeOrigin) { o.version = "0.6.2" })
	require.NoError(t, h.registration.Update(ctx))

	// Installed but not activated
	status := h.registration.Status()
	assert.True(t, status.UpdateAvailable)
	assert.Equal(t, "0.6.1", status.ActiveVersion)
	assert.Equal(t, "0.6.2", status.WaitingVersion)
	assert.Equal(t, models.AgentStateWaiting, h.registration.Waiting().State())
	assert.ElementsMatch(t, []string{"gmp-labwork-0.6.1", "gmp-labwork-0.6.2"}, h.cacheNames(t))
	assert.Zero(t, atomic.LoadInt32(&reloads))

	event := h.expectEvent(t, interfaces.EventUpdateAvailable)
	assert.Equal(t, "0.6.2", event.Payload.(map[string]interface{})["version"])

	previous := h.registration.Active()
	require.NoError(t, h.registration.ApplyUpdate(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&reloads))
	assert.Equal(t, "0.6.2", reloadedTo.Load())
	assert.Equal(t, "0.6.2", h.registration.Active().Version())
	assert.Equal(t, models.AgentStateRedundant, previous.State())
	assert.Nil(t, h.registration.Waiting())
	assert.Equal(t, []string{"gmp-labwork-0.6.2"}, h.cacheNames(t))
	assert.False(t, h.registration.Status().UpdateAvailable)
	h.expectEvent(t, interfaces.EventControllerChanged)

	// Nothing left to apply, and the page does not reload again
	err := h.registration.ApplyUpdate(ctx)
	assert.True(t, errors.Is(err, interfaces.ErrNoWaitingAgent))

	h.origin.set(func(o *fakeOrigin) { o.version = "0.6.3" })
	require.NoError(t, h.registration.Update(ctx))
	require.NoError(t, h.registration.ApplyUpdate(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&reloads))
}

func TestUpdateWithSameVersionIsNoOp(t *testing.T) {
	h := newHarness(t, "v1")
	ctx := context.Background()
	require.NoError(t, h.registration.Register(ctx))

	manifestHits := h.origin.hitCount("/manifest.json")
	require.NoError(t, h.registration.Update(ctx))
	require.NoError(t, h.registration.Register(ctx))

	assert.Equal(t, manifestHits, h.origin.hitCount("/manifest.json"))
	assert.Nil(t, h.registration.Waiting())
	assert.False(t, h.registration.Status().UpdateAvailable)
}

func TestDismissKeepsWaitingAgent(t *testing.T) {
	h := newHarness(t, "v1")
	ctx := context.Background()
	require.NoError(t, h.registration.Register(ctx))

	h.origin.set(func(o *fakeOrigin) { o.version = "v2" })
	require.NoError(t, h.registration.Update(ctx))

	h.registration.DismissUpdate()
	status := h.registration.Status()
	assert.False(t, status.UpdateAvailable)
	assert.Equal(t, "v2", status.WaitingVersion)
	assert.Equal(t, "v1", status.ActiveVersion)

	require.NoError(t, h.registration.ApplyUpdate(ctx))
	assert.Equal(t, "v2", h.registration.Active().Version())
}

func TestNewerBuildSupersedesWaiting(t *testing.T) {
	h := newHarness(t, "v1")
	ctx := context.Background()
	require.NoError(t, h.registration.Register(ctx))

	h.origin.set(func(o *fakeOrigin) { o.version = "v2" })
	require.NoError(t, h.registration.Update(ctx))
	superseded := h.registration.Waiting()

	h.origin.set(func(o *fakeOrigin) { o.version = "v3" })
	require.NoError(t, h.registration.Update(ctx))

	assert.Equal(t, "v3", h.registration.Waiting().Version())
	assert.Equal(t, models.AgentStateRedundant, superseded.State())
	assert.ElementsMatch(t, []string{"gmp-labwork-v1", "gmp-labwork-v3"}, h.cacheNames(t))
}

func TestFailedInstallLeavesActiveUntouched(t *testing.T) {
	h := newHarness(t, "v1")
	ctx := context.Background()
	require.NoError(t, h.registration.Register(ctx))

	h.origin.set(func(o *fakeOrigin) {
		o.version = "v2"
		o.failPath = "/manifest.json"
	})
	assert.Error(t, h.registration.Update(ctx))

	assert.Nil(t, h.registration.Waiting())
	assert.False(t, h.registration.Status().UpdateAvailable)
	assert.Equal(t, "v1", h.registration.Active().Version())
	assert.Equal(t, []string{"gmp-labwork-v1"}, h.cacheNames(t))

	// A later check retries the same version
	h.origin.set(func(o *fakeOrigin) { o.failPath = "" })
	require.NoError(t, h.registration.Update(ctx))
	assert.Equal(t, "v2", h.registration.Waiting().Version())
}

func TestRegisterFailureDegradesGracefully(t *testing.T) {
	h := newHarness(t, "v1")
	h.origin.set(func(o *fakeOrigin) { o.down = true })

	err := h.registration.Register(context.Background())
	require.Error(t, err)
	assert.Nil(t, h.registration.Active())
	assert.NotEmpty(t, h.registration.Status().LastCheckError)

	resp, reval, err := h.fetcher.Serve(context.Background(), get(t, "/index.html"))
	require.NoError(t, err)
	assert.Nil(t, reval)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "Offline", string(resp.Body))
}

func TestInstallUsesExplicitVersion(t *testing.T) {
	h := newHarness(t, "served")
	ctx := context.Background()

	require.NoError(t, h.registration.Install(ctx, models.BuildInfo{Version: "pinned", Precache: []string{"/"}}))
	assert.Equal(t, "pinned", h.registration.Active().Version())
	assert.Equal(t, []string{"gmp-labwork-pinned"}, h.cacheNames(t))

	assert.Error(t, h.registration.Install(ctx, models.BuildInfo{}))
}

func TestAgentRejectsIllegalTransitions(t *testing.T) {
	h := newHarness(t, "v1")
	a := newAgent(models.BuildInfo{Version: "v9"}, "gmp-labwork", h.cache, nil, arbor.NewLogger())

	assert.Equal(t, "gmp-labwork-v9", a.CacheName())
	assert.Error(t, a.transition(models.AgentStateActive))
	assert.Equal(t, models.AgentStateRegistering, a.State())

	err := a.PostMessage(context.Background(), Message{Type: MessageSkipWaiting})
	assert.True(t, errors.Is(err, interfaces.ErrNoWaitingAgent))
	assert.NoError(t, a.PostMessage(context.Background(), Message{Type: "PING"}))
}

func TestControllerClosedBeforeChangeDoesNotReload(t *testing.T) {
	h := newHarness(t, "v1")
	ctx := context.Background()
	require.NoError(t, h.registration.Register(ctx))

	var reloads int32
	controller := NewController(h.registration, func(string) { atomic.AddInt32(&reloads, 1) })
	controller.Close()

	h.origin.set(func(o *fakeOrigin) { o.version = "v2" })
	require.NoError(t, h.registration.Update(ctx))
	require.NoError(t, h.registration.ApplyUpdate(ctx))

	assert.Zero(t, atomic.LoadInt32(&reloads))
}

func TestSchedulerRunsUpdateCheck(t *testing.T) {
	h := newHarness(t, "v1")
	require.NoError(t, h.registration.Register(context.Background()))

	scheduler := NewScheduler(h.registration, 5*time.Second, arbor.NewLogger())
	assert.Error(t, scheduler.Start("not a schedule"))

	h.origin.set(func(o *fakeOrigin) { o.version = "v2" })
	scheduler.runCheck()
	assert.Equal(t, "v2", h.registration.Status().WaitingVersion)

	require.NoError(t, scheduler.Start(DefaultSchedule))
	scheduler.Stop()
}
