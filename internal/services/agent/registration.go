package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/models"
)

// BuildSource reports the newest available build
type BuildSource interface {
	LatestBuild(ctx context.Context) (*models.BuildInfo, error)
}

// Registration owns at most one active and at most one waiting agent.
// Installs never activate when an agent is already active; activation happens
// only through ApplyUpdate.
type Registration struct {
	cachePrefix  string
	cache        interfaces.ResourceCache
	origin       *Origin
	builds       BuildSource
	eventService interfaces.EventService
	logger       arbor.ILogger

	installMu sync.Mutex // serialises Register/Update

	mu              sync.RWMutex
	active          *Agent
	waiting         *Agent
	installing      *Agent
	updateAvailable bool
	lastCheck       *time.Time
	lastCheckErr    error

	listeners map[uint64]func(version string)
	nextID    uint64
}

// NewRegistration creates a registration. builds defaults to origin; eventService may be nil.
func NewRegistration(
	cachePrefix string,
	cache interfaces.ResourceCache,
	origin *Origin,
	builds BuildSource,
	eventService interfaces.EventService,
	logger arbor.ILogger,
) *Registration {
	if builds == nil {
		builds = origin
	}
	return &Registration{
		cachePrefix:  cachePrefix,
		cache:        cache,
		origin:       origin,
		builds:       builds,
		eventService: eventService,
		logger:       logger,
		listeners:    make(map[uint64]func(version string)),
	}
}

// Register installs the current build. With no active agent it is activated
// straight away. Failure leaves the application running without updates.
func (r *Registration) Register(ctx context.Context) error {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	info, err := r.checkBuild(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Update agent registration failed")
		return fmt.Errorf("register update agent: %w", err)
	}

	if r.knownVersion(info.Version) {
		return nil
	}
	return r.install(ctx, *info)
}

// Update looks for a newer build and installs it. It never activates over an active agent.
func (r *Registration) Update(ctx context.Context) error {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	info, err := r.checkBuild(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Update check failed")
		return err
	}

	if r.knownVersion(info.Version) {
		r.logger.Debug().Str("version", info.Version).Msg("No new build")
		return nil
	}
	return r.install(ctx, *info)
}

// Install installs an explicit build version
func (r *Registration) Install(ctx context.Context, info models.BuildInfo) error {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	if r.knownVersion(info.Version) {
		return nil
	}
	return r.install(ctx, info)
}

func (r *Registration) checkBuild(ctx context.Context) (*models.BuildInfo, error) {
	info, err := r.builds.LatestBuild(ctx)

	now := time.Now()
	r.mu.Lock()
	r.lastCheck = &now
	r.lastCheckErr = err
	r.mu.Unlock()

	return info, err
}

func (r *Registration) knownVersion(version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range []*Agent{r.active, r.waiting, r.installing} {
		if a != nil && a.version == version {
			return true
		}
	}
	return false
}

// install runs with installMu held
func (r *Registration) install(ctx context.Context, info models.BuildInfo) error {
	if info.Version == "" {
		return fmt.Errorf("build version is required")
	}

	a := newAgent(info, r.cachePrefix, r.cache, r.origin, r.logger)
	a.onSkipWaiting = r.activateWaiting

	r.mu.Lock()
	r.installing = a
	r.mu.Unlock()

	err := a.install(ctx, info.Precache)

	r.mu.Lock()
	r.installing = nil
	r.mu.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Str("version", info.Version).Msg("Agent install failed")
		return err
	}

	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()

		if err := a.activate(ctx); err != nil {
			a.fail()
			return err
		}

		r.mu.Lock()
		r.active = a
		r.mu.Unlock()
		return nil
	}

	if err := a.transition(models.AgentStateWaiting); err != nil {
		r.mu.Unlock()
		return err
	}
	superseded := r.waiting
	r.waiting = a
	r.updateAvailable = true
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Info().
			Str("version", superseded.version).
			Str("replaced_by", a.version).
			Msg("Waiting agent superseded")
		superseded.fail()
	}

	r.logger.Info().
		Str("version", a.version).
		Str("active", r.activeVersion()).
		Msg("Update available")
	r.publish(ctx, interfaces.EventUpdateAvailable, map[string]interface{}{"version": a.version})
	return nil
}

// ApplyUpdate sends SKIP_WAITING to the waiting agent
func (r *Registration) ApplyUpdate(ctx context.Context) error {
	r.mu.RLock()
	waiting := r.waiting
	r.mu.RUnlock()

	if waiting == nil {
		return interfaces.ErrNoWaitingAgent
	}
	return waiting.PostMessage(ctx, Message{Type: MessageSkipWaiting})
}

// activateWaiting promotes a waiting agent. It runs to completion once started:
// the caller's cancellation does not interrupt the cache purge.
func (r *Registration) activateWaiting(ctx context.Context, a *Agent) error {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	r.mu.Lock()
	if r.waiting != a {
		r.mu.Unlock()
		return interfaces.ErrNoWaitingAgent
	}
	r.waiting = nil
	r.updateAvailable = false
	r.mu.Unlock()

	if err := a.activate(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error().Err(err).Str("version", a.version).Msg("Agent activation failed")
		a.fail()
		return err
	}

	r.mu.Lock()
	previous := r.active
	r.active = a
	listeners := r.sortedListeners()
	r.mu.Unlock()

	if previous != nil {
		if err := previous.transition(models.AgentStateRedundant); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to retire previous agent")
		}
	}

	r.logger.Info().
		Str("version", a.version).
		Int("controllers", len(listeners)).
		Msg("Controller changed")

	for _, fn := range listeners {
		fn(a.version)
	}
	r.publish(ctx, interfaces.EventControllerChanged, map[string]interface{}{"version": a.version})
	return nil
}

// DismissUpdate hides the update prompt; the waiting agent stays installed
func (r *Registration) DismissUpdate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateAvailable = false
}

// Active returns the active agent or nil
func (r *Registration) Active() *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the waiting agent or nil
func (r *Registration) Waiting() *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

func (r *Registration) activeVersion() string {
	if a := r.Active(); a != nil {
		return a.version
	}
	return ""
}

// Status returns the foreground-visible update state
func (r *Registration) Status() models.UpdateStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := models.UpdateStatus{
		UpdateAvailable: r.updateAvailable,
		LastCheck:       r.lastCheck,
	}
	if r.active != nil {
		status.ActiveVersion = r.active.version
	}
	if r.waiting != nil {
		status.WaitingVersion = r.waiting.version
	}
	if r.lastCheckErr != nil {
		status.LastCheckError = r.lastCheckErr.Error()
	}
	return status
}

type controllerSubscription struct {
	once sync.Once
	r    *Registration
	id   uint64
}

func (s *controllerSubscription) Close() {
	s.once.Do(func() {
		s.r.mu.Lock()
		delete(s.r.listeners, s.id)
		s.r.mu.Unlock()
	})
}

// OnControllerChange calls fn with the new version each time a waiting agent takes over
func (r *Registration) OnControllerChange(fn func(version string)) interfaces.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.listeners[r.nextID] = fn
	return &controllerSubscription{r: r, id: r.nextID}
}

// sortedListeners must be called with mu held
func (r *Registration) sortedListeners() []func(string) {
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]func(string), 0, len(ids))
	for _, id := range ids {
		out = append(out, r.listeners[id])
	}
	return out
}

func (r *Registration) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if r.eventService == nil {
		return
	}
	if err := r.eventService.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		r.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
