// Package agent runs the background update agent: versioned resource caches,
// install and user-gated activation, and the cache-first fetch policy.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/models"
)

// MessageSkipWaiting is the only message the foreground sends to an agent
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a foreground to agent message
type Message struct {
	Type string `json:"type"`
}

// allowed lists the legal state transitions
var allowed = map[models.AgentState][]models.AgentState{
	models.AgentStateRegistering: {models.AgentStateInstalling, models.AgentStateRedundant},
	models.AgentStateInstalling:  {models.AgentStateWaiting, models.AgentStateActivating, models.AgentStateRedundant},
	models.AgentStateWaiting:     {models.AgentStateActivating, models.AgentStateRedundant},
	models.AgentStateActivating:  {models.AgentStateActive, models.AgentStateRedundant},
	models.AgentStateActive:      {models.AgentStateRedundant},
}

// Agent is one installed build. Its cache set is named after its version.
type Agent struct {
	version   string
	cacheName string
	build     models.BuildInfo

	mu    sync.RWMutex
	state models.AgentState

	cache  interfaces.ResourceCache
	origin *Origin
	logger arbor.ILogger

	// onSkipWaiting is set by the owning registration
	onSkipWaiting func(ctx context.Context, a *Agent) error
}

// CacheName returns the cache set name for a build version
func CacheName(prefix, version string) string {
	return fmt.Sprintf("%s-%s", prefix, version)
}

func newAgent(build models.BuildInfo, cachePrefix string, cache interfaces.ResourceCache, origin *Origin, logger arbor.ILogger) *Agent {
	return &Agent{
		version:   build.Version,
		cacheName: CacheName(cachePrefix, build.Version),
		build:     build,
		state:     models.AgentStateRegistering,
		cache:     cache,
		origin:    origin,
		logger:    logger,
	}
}

func (a *Agent) Version() string { return a.version }

func (a *Agent) CacheName() string { return a.cacheName }

// Build returns the build descriptor the agent was installed from
func (a *Agent) Build() models.BuildInfo { return a.build }

// State returns the current lifecycle state
func (a *Agent) State() models.AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) transition(to models.AgentState) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, next := range allowed[a.state] {
		if next == to {
			a.logger.Debug().
				Str("version", a.version).
				Str("from", string(a.state)).
				Str("to", string(to)).
				Msg("Agent state change")
			a.state = to
			return nil
		}
	}
	return fmt.Errorf("agent %s: illegal transition %s -> %s", a.version, a.state, to)
}

// install populates the agent's cache set with the precache list.
// Any failed resource fails the whole install and removes the partial set.
func (a *Agent) install(ctx context.Context, precache []string) error {
	if err := a.transition(models.AgentStateInstalling); err != nil {
		return err
	}

	for _, key := range precache {
		res, err := a.origin.FetchResource(ctx, key)
		if err == nil && (res.Status < 200 || res.Status > 299) {
			err = fmt.Errorf("precache %s returned status %d", key, res.Status)
		}
		if err == nil {
			err = a.cache.Put(ctx, a.cacheName, res)
		}
		if err != nil {
			a.fail()
			return fmt.Errorf("install %s: %w", a.version, err)
		}
	}

	a.logger.Info().
		Str("version", a.version).
		Str("cache", a.cacheName).
		Int("resources", len(precache)).
		Msg("Agent installed")
	return nil
}

// fail marks the agent redundant and drops its partial cache set
func (a *Agent) fail() {
	if err := a.transition(models.AgentStateRedundant); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to mark agent redundant")
	}
	if err := a.cache.Delete(context.Background(), a.cacheName); err != nil {
		a.logger.Warn().Err(err).Str("cache", a.cacheName).Msg("Failed to delete partial cache")
	}
}

// activate deletes every other cache version and makes this agent active
func (a *Agent) activate(ctx context.Context) error {
	if err := a.transition(models.AgentStateActivating); err != nil {
		return err
	}

	deleted, err := a.cache.Retain(ctx, a.cacheName)
	if err != nil {
		return fmt.Errorf("activate %s: %w", a.version, err)
	}

	if err := a.transition(models.AgentStateActive); err != nil {
		return err
	}

	a.logger.Info().
		Str("version", a.version).
		Int("purged_caches", len(deleted)).
		Msg("Agent active")
	return nil
}

// PostMessage delivers a foreground message. SKIP_WAITING activates a waiting agent.
func (a *Agent) PostMessage(ctx context.Context, msg Message) error {
	if msg.Type != MessageSkipWaiting {
		a.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown agent message")
		return nil
	}
	if a.State() != models.AgentStateWaiting {
		return fmt.Errorf("agent %s is %s: %w", a.version, a.State(), interfaces.ErrNoWaitingAgent)
	}
	if a.onSkipWaiting == nil {
		return fmt.Errorf("agent %s has no registration", a.version)
	}
	return a.onSkipWaiting(ctx, a)
}
