package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/common"
	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/services/agent"
	"github.com/bioen07-del/gmp-labwork/internal/services/connectivity"
	"github.com/bioen07-del/gmp-labwork/internal/services/drafts"
	"github.com/bioen07-del/gmp-labwork/internal/services/events"
	"github.com/bioen07-del/gmp-labwork/internal/services/syncengine"
	"github.com/bioen07-del/gmp-labwork/internal/storage/badger"
)

// recordingRemote accepts inserts unless fail is set
type recordingRemote struct {
	mu     sync.Mutex
	tables []string
	fail   bool
}

func (r *recordingRemote) Insert(ctx context.Context, table string, record interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("remote unavailable")
	}
	r.tables = append(r.tables, table)
	return nil
}

func (r *recordingRemote) inserted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tables...)
}

// buildOrigin serves a front-end build whose version can be changed
type buildOrigin struct {
	mu      sync.Mutex
	version string
	server  *httptest.Server
}

func newBuildOrigin(t *testing.T, version string) *buildOrigin {
	t.Helper()
	o := &buildOrigin{version: version}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		v := o.version
		o.mu.Unlock()
		if r.URL.Path == "/version.json" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"version": v})
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "%s %s", v, r.URL.Path)
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *buildOrigin) setVersion(v string) {
	o.mu.Lock()
	o.version = v
	o.mu.Unlock()
}

type fixture struct {
	logger       arbor.ILogger
	events       *events.Service
	monitor      *connectivity.Monitor
	remote       *recordingRemote
	drafts       *drafts.Service
	engine       *syncengine.Engine
	origin       *buildOrigin
	registration *agent.Registration
	fetcher      *agent.Fetcher
	status       *StatusHandler
}

func newFixture(t *testing.T, withAgent bool) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	draftStore := badger.NewDraftStorage(db, logger)

	f := &fixture{
		logger: logger,
		events: events.NewService(logger),
		remote: &recordingRemote{},
	}
	t.Cleanup(func() { f.events.Close() })

	f.monitor = connectivity.NewMonitor(true, f.events, logger)
	f.drafts = drafts.NewService(draftStore, f.events, logger)
	f.engine = syncengine.NewEngine(draftStore, f.remote, f.events, logger)

	if withAgent {
		cache := badger.NewResourceCache(db, logger)
		f.origin = newBuildOrigin(t, "v1")
		origin, err := agent.NewOrigin(f.origin.server.URL, "/version.json", []string{"/", "/index.html"}, 5*time.Second)
		require.NoError(t, err)
		f.registration = agent.NewRegistration("gmp-labwork", cache, origin, nil, f.events, logger)
		require.NoError(t, f.registration.Register(context.Background()))
		f.fetcher = agent.NewFetcher(f.registration, origin, cache, "/version.json", nil, 5*time.Second, logger)
		t.Cleanup(f.fetcher.Wait)
	}

	f.status = NewStatusHandler(f.monitor, f.drafts, f.engine, f.registration, logger)
	return f
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWriteServiceError_MapsKnownErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: data", interfaces.ErrInvalidDraft), http.StatusBadRequest},
		{fmt.Errorf("%w: animal", interfaces.ErrUnknownKind), http.StatusBadRequest},
		{interfaces.ErrNoWaitingAgent, http.StatusConflict},
		{interfaces.ErrAgentDisabled, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteServiceError(rec, tc.err)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}

func TestDecodeJSON_RejectsTrailingData(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"online":true}{"online":false}`))
	var v connectivityRequest
	assert.Error(t, DecodeJSON(req, &v))
}

func TestPathID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/drafts/draft_1_abcdef0", nil)
	assert.Equal(t, "draft_1_abcdef0", PathID(req, "/api/drafts/"))

	req = httptest.NewRequest(http.MethodGet, "/api/drafts/a/b", nil)
	assert.Equal(t, "", PathID(req, "/api/drafts/"))
}

func TestDraftsHandler_Lifecycle(t *testing.T) {
	f := newFixture(t, false)
	h := NewDraftsHandler(f.drafts, f.logger)

	rec := doJSON(t, h.SaveHandler, http.MethodPost, "/api/drafts", map[string]interface{}{
		"type": "container",
		"data": map[string]interface{}{"code": "C-001"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saved := decodeBody(t, rec)
	id := saved["id"].(string)
	assert.True(t, common.IsDraftID(id))
	assert.Equal(t, "container", saved["type"])
	assert.Equal(t, false, saved["synced"])

	rec = doJSON(t, h.ListHandler, http.MethodGet, "/api/drafts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody(t, rec)
	assert.EqualValues(t, 1, list["total"])
	assert.EqualValues(t, 1, list["pending"])

	rec = doJSON(t, h.GetHandler, http.MethodGet, "/api/drafts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["id"])

	rec = doJSON(t, h.DeleteHandler, http.MethodDelete, "/api/drafts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h.GetHandler, http.MethodGet, "/api/drafts/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDraftsHandler_RejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, false)
	h := NewDraftsHandler(f.drafts, f.logger)

	rec := doJSON(t, h.SaveHandler, http.MethodPost, "/api/drafts", map[string]interface{}{
		"type": "animal",
		"data": map[string]interface{}{"name": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h.SaveHandler, http.MethodPost, "/api/drafts", map[string]interface{}{
		"data": map[string]interface{}{"name": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/drafts", bytes.NewBufferString("not json"))
	rec = httptest.NewRecorder()
	h.SaveHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/drafts",
		bytes.NewBufferString(`{"type":"task","data":{"name":"feed","name":"split"}}`))
	rec = httptest.NewRecorder()
	h.SaveHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate payload field")

	pending, err := f.drafts.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)

	rec = doJSON(t, h.SaveHandler, http.MethodGet, "/api/drafts", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSyncHandler_RunsPassAndLimitsManualRequests(t *testing.T) {
	f := newFixture(t, false)
	dh := NewDraftsHandler(f.drafts, f.logger)
	for _, kind := range []string{"task", "qc_result"} {
		rec := doJSON(t, dh.SaveHandler, http.MethodPost, "/api/drafts", map[string]interface{}{
			"type": kind,
			"data": map[string]interface{}{"n": 1},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	h := NewSyncHandler(f.engine, time.Hour, f.logger)

	rec := doJSON(t, h.SyncHandler, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody(t, rec)
	assert.EqualValues(t, 2, result["synced"])
	assert.EqualValues(t, 0, result["pending"])
	assert.ElementsMatch(t, []string{"tasks", "qc_results"}, f.remote.inserted())

	rec = doJSON(t, h.SyncHandler, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = doJSON(t, h.LastResultHandler, http.MethodGet, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	last := decodeBody(t, rec)
	assert.NotNil(t, last["result"])
	assert.NotEmpty(t, last["at"])
}

func TestConnectivityHandler_Signal(t *testing.T) {
	f := newFixture(t, false)
	h := NewConnectivityHandler(f.monitor, f.logger)

	rec := doJSON(t, h.SignalHandler, http.MethodPost, "/api/connectivity", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["online"])
	assert.False(t, f.monitor.IsOnline())

	rec = doJSON(t, h.SignalHandler, http.MethodPost, "/api/connectivity", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h.StateHandler, http.MethodGet, "/api/connectivity", nil)
	assert.Equal(t, false, decodeBody(t, rec)["online"])
}

func TestUpdateHandler_DisabledAgent(t *testing.T) {
	f := newFixture(t, false)
	h := NewUpdateHandler(nil, f.logger)

	rec := doJSON(t, h.StatusHandler, http.MethodGet, "/api/update", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, h.ApplyHandler, http.MethodPost, "/api/update/apply", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUpdateHandler_CheckApplyDismiss(t *testing.T) {
	f := newFixture(t, true)
	h := NewUpdateHandler(f.registration, f.logger)

	rec := doJSON(t, h.ApplyHandler, http.MethodPost, "/api/update/apply", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.origin.setVersion("v2")
	rec = doJSON(t, h.CheckHandler, http.MethodPost, "/api/update/check", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status := decodeBody(t, rec)
	assert.Equal(t, "v1", status["activeVersion"])
	assert.Equal(t, "v2", status["waitingVersion"])
	assert.Equal(t, true, status["updateAvailable"])

	rec = doJSON(t, h.DismissHandler, http.MethodPost, "/api/update/dismiss", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["updateAvailable"])

	rec = doJSON(t, h.ApplyHandler, http.MethodPost, "/api/update/apply", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "v2", decodeBody(t, rec)["activeVersion"])
}

func TestResourceHandler_ServesFromCacheAfterInstall(t *testing.T) {
	f := newFixture(t, true)
	h := NewResourceHandler(f.fetcher, f.logger)

	rec := doJSON(t, h.ServeResource, http.MethodGet, "/index.html", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1 /index.html", rec.Body.String())
	assert.Equal(t, agent.SourceCache, rec.Header().Get("X-Labwork-Source"))

	rec = doJSON(t, h.ServeResource, http.MethodGet, "/version.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, agent.SourceNetwork, rec.Header().Get("X-Labwork-Source"))

	rec = doJSON(t, h.ServeResource, http.MethodPost, "/index.html", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusHandler_Snapshot(t *testing.T) {
	f := newFixture(t, true)
	dh := NewDraftsHandler(f.drafts, f.logger)
	rec := doJSON(t, dh.SaveHandler, http.MethodPost, "/api/drafts", map[string]interface{}{
		"type": "media_batch",
		"data": map[string]interface{}{"volume": 500},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	f.monitor.SetOnline(false)

	rec = doJSON(t, f.status.GetStatusHandler, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, false, status["online"])
	assert.EqualValues(t, 1, status["pending"])
	update := status["update"].(map[string]interface{})
	assert.Equal(t, "v1", update["activeVersion"])
	assert.Nil(t, status["lastSync"])
}

func TestAPIHandler_VersionAndNotFound(t *testing.T) {
	h := NewAPIHandler(arbor.NewLogger())

	rec := doJSON(t, h.VersionHandler, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, common.Version, decodeBody(t, rec)["version"])

	rec = doJSON(t, h.NotFoundHandler, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "/api/nope", decodeBody(t, rec)["path"])
}
