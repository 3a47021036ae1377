package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/common"
	"github.com/bioen07-del/gmp-labwork/internal/models"
	"github.com/bioen07-del/gmp-labwork/internal/services/drafts"
)

func testConfig(t *testing.T) *common.Config {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = filepath.Join(t.TempDir(), "db")
	cfg.Logging.Output = []string{"stdout"}
	cfg.Sync.SyncOnStartup = false
	cfg.Agent.Enabled = false
	return cfg
}

func TestNew_WithoutAgent(t *testing.T) {
	cfg := testConfig(t)

	application, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)

	assert.Nil(t, application.Registration)
	assert.Nil(t, application.ResourceHandler)
	assert.NotNil(t, application.UpdateHandler)
	assert.NotNil(t, application.WSHandler)
	assert.True(t, application.Monitor.IsOnline())

	require.NoError(t, application.Close())
}

func TestNew_SyncsAndRegistersInBackground(t *testing.T) {
	var inserts int32
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&inserts, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer remote.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/version.json" {
			json.NewEncoder(w).Encode(map[string]string{"version": "2024.06.01"})
			return
		}
		fmt.Fprintf(w, "page %s", r.URL.Path)
	}))
	defer origin.Close()

	cfg := testConfig(t)
	cfg.Remote.BaseURL = remote.URL
	cfg.Agent.Enabled = true
	cfg.Agent.OriginURL = origin.URL

	// queue a draft while "offline" so the startup sync has work
	cfg.Connectivity.InitiallyOnline = false
	first, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	payload, err := models.Payload(nil).Set("code", "C-7")
	require.NoError(t, err)
	_, err = first.DraftsService.Save(context.Background(), drafts.SaveDraftRequest{
		Type: models.DraftKindContainer,
		Data: payload,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.Registration.Active() != nil }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, first.Close())

	cfg.Connectivity.InitiallyOnline = true
	cfg.Sync.SyncOnStartup = true
	second, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	defer second.Close()

	require.Eventually(t, func() bool {
		n, err := second.DraftsService.PendingCount(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&inserts))

	require.Eventually(t, func() bool { return second.Registration.Active() != nil }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "2024.06.01", second.Registration.Active().Version())
}

func TestNew_InvalidOrigin(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Enabled = true
	cfg.Agent.OriginURL = "not a url"

	_, err := New(cfg, arbor.NewLogger())
	assert.Error(t, err)
}
