// Package syncengine replays pending drafts against the remote data service.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/singleflight"

	"github.com/bioen07-del/gmp-labwork/internal/common"
	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/models"
)

// Destinations maps draft kinds to remote tables
var Destinations = map[models.DraftKind]string{
	models.DraftKindContainer:  "containers",
	models.DraftKindTask:       "tasks",
	models.DraftKindMediaBatch: "media_batches",
	models.DraftKindQCResult:   "qc_results",
}

// Result summarises one sync pass
type Result struct {
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Cleared   int           `json:"cleared"`
	Pending   int           `json:"pending"`
	Duration  time.Duration `json:"duration"`
	Shared    bool          `json:"shared"`
}

// Engine replays unsynced drafts oldest first, one insert per draft.
// Concurrent callers share the pass already in flight.
type Engine struct {
	drafts       interfaces.DraftStorage
	remote       interfaces.RemoteInserter
	eventService interfaces.EventService
	logger       arbor.ILogger
	destinations map[models.DraftKind]string

	group singleflight.Group

	// passes run on ctx rather than a caller's context; Close cancels it
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	closed  bool

	mu      sync.RWMutex
	last    *Result
	lastRun time.Time
}

// ErrEngineClosed is returned by SyncDrafts after Close
var ErrEngineClosed = errors.New("sync engine closed")

// NewEngine creates a sync engine. eventService may be nil.
func NewEngine(
	drafts interfaces.DraftStorage,
	remote interfaces.RemoteInserter,
	eventService interfaces.EventService,
	logger arbor.ILogger,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ctx:          ctx,
		cancel:       cancel,
		drafts:       drafts,
		remote:       remote,
		eventService: eventService,
		logger:       logger,
		destinations: Destinations,
	}
}

// SyncDrafts runs one pass, or joins the pass already in flight. A storage
// error reading the pending set aborts the pass; per-draft insert failures are
// logged and leave the draft pending.
//
// Cancelling ctx stops this caller waiting but not the pass, which other
// callers may share. The pass stops only when the engine is closed.
func (e *Engine) SyncDrafts(ctx context.Context) (Result, error) {
	ch := e.group.DoChan("sync", func() (interface{}, error) {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return Result{}, ErrEngineClosed
		}
		e.running.Add(1)
		e.mu.Unlock()
		defer e.running.Done()

		passCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(e.ctx, cancel)
		defer stop()

		return e.run(passCtx)
	})

	select {
	case res := <-ch:
		result, _ := res.Val.(Result)
		if res.Shared {
			result.Shared = true
			e.logger.Debug().Msg("Joined in-flight sync pass")
		}
		return result, res.Err
	case <-ctx.Done():
		e.logger.Debug().Err(ctx.Err()).Msg("Stopped waiting for sync pass")
		return Result{}, ctx.Err()
	}
}

// Close stops any pass in flight and waits for it to return
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.running.Wait()
}

func (e *Engine) run(ctx context.Context) (Result, error) {
	start := time.Now()
	var result Result

	pending, err := e.drafts.GetUnsyncedDrafts(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read unsynced drafts: %w", err)
	}

	if len(pending) > 0 {
		e.logger.Info().Int("pending", len(pending)).Msg("Starting sync pass")
	}

	// Store order is newest first; replay in creation order
	for i := len(pending) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			e.logger.Warn().Err(ctx.Err()).Int("remaining", i+1).Msg("Sync pass cancelled")
			break
		}

		draft := pending[i]
		table, ok := e.destinations[draft.Kind]
		if !ok {
			result.Skipped++
			e.logger.Warn().
				Str("draft_id", draft.ID).
				Str("kind", string(draft.Kind)).
				Msg("No destination for draft kind, leaving it pending")
			continue
		}

		result.Attempted++
		if err := e.remote.Insert(ctx, table, draft.Payload); err != nil {
			result.Failed++
			e.logger.Error().
				Err(err).
				Str("draft_id", draft.ID).
				Str("table", table).
				Msg("Sync error")
			continue
		}

		// The remote has acknowledged; a failure here means the draft is replayed next pass
		if err := e.drafts.MarkSynced(ctx, draft.ID); err != nil {
			result.Failed++
			e.logger.Error().
				Err(err).
				Str("draft_id", draft.ID).
				Msg("Failed to mark draft synced after remote insert")
			continue
		}
		result.Synced++
	}

	var passErr error
	cleared, err := e.drafts.ClearSynced(ctx)
	if err != nil {
		passErr = fmt.Errorf("failed to clear synced drafts: %w", err)
		e.logger.Error().Err(err).Msg("Failed to clear synced drafts")
	}
	result.Cleared = cleared

	count, err := e.drafts.CountUnsynced(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to count pending drafts")
		count = len(pending) - result.Synced
	}
	result.Pending = count
	result.Duration = time.Since(start)

	e.mu.Lock()
	r := result
	e.last = &r
	e.lastRun = start
	e.mu.Unlock()

	e.logger.Info().
		Int("attempted", result.Attempted).
		Int("synced", result.Synced).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Int("pending", result.Pending).
		Dur("duration", result.Duration).
		Msg("Sync pass finished")

	e.publish(ctx, interfaces.EventDraftsChanged, map[string]interface{}{"pending": result.Pending})
	e.publish(ctx, interfaces.EventSyncCompleted, map[string]interface{}{
		"synced":  result.Synced,
		"failed":  result.Failed,
		"skipped": result.Skipped,
		"pending": result.Pending,
	})

	return result, passErr
}

func (e *Engine) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if e.eventService == nil {
		return
	}
	if err := e.eventService.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		e.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

// AttachMonitor runs one pass in the background for every online signal.
// Closing the returned subscription stops further passes.
func (e *Engine) AttachMonitor(monitor interfaces.ConnectivityMonitor) interfaces.Subscription {
	return monitor.Subscribe(func() {
		common.SafeGo(e.logger, "sync-on-online", func() {
			_, err := e.SyncDrafts(context.Background())
			if err != nil && !errors.Is(err, ErrEngineClosed) {
				e.logger.Error().Err(err).Msg("Sync on reconnect failed")
			}
		})
	}, nil)
}

// LastResult returns the most recent completed pass, or nil before the first one
func (e *Engine) LastResult() (*Result, time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return nil, time.Time{}
	}
	r := *e.last
	return &r, e.lastRun
}
