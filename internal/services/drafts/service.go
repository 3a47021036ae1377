package drafts

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/models"
)

// SaveDraftRequest is a pending write submitted by the UI
type SaveDraftRequest struct {
	Type models.DraftKind `json:"type" validate:"required"`
	Data models.Payload   `json:"data" validate:"required,dive"`
}

// Service is the UI-facing facade over the draft store.
// Every mutation publishes the new pending count.
type Service struct {
	drafts       interfaces.DraftStorage
	eventService interfaces.EventService
	logger       arbor.ILogger
	validate     *validator.Validate
}

// NewService creates a drafts service. eventService may be nil.
func NewService(drafts interfaces.DraftStorage, eventService interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		drafts:       drafts,
		eventService: eventService,
		logger:       logger,
		validate:     validator.New(),
	}
}

// Save validates the request and stores it as a new unsynced draft
func (s *Service) Save(ctx context.Context, req SaveDraftRequest) (*models.Draft, error) {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("%w: %s failed on %s", interfaces.ErrInvalidDraft, verrs[0].Namespace(), verrs[0].Tag())
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidDraft, err)
	}
	if !req.Type.IsValid() {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownKind, req.Type)
	}

	id, err := s.drafts.SaveDraft(ctx, req.Type, req.Data)
	if err != nil {
		return nil, err
	}

	draft, err := s.drafts.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, fmt.Errorf("draft %s vanished after save", id)
	}

	s.logger.Info().
		Str("draft_id", id).
		Str("kind", string(req.Type)).
		Int("fields", len(req.Data)).
		Msg("Draft queued")

	s.publishCount(ctx)
	return draft, nil
}

// List returns every draft, most recent first
func (s *Service) List(ctx context.Context) ([]*models.Draft, error) {
	return s.drafts.GetAllDrafts(ctx)
}

// Get returns nil, nil when the draft does not exist
func (s *Service) Get(ctx context.Context, id string) (*models.Draft, error) {
	return s.drafts.GetDraft(ctx, id)
}

// Discard deletes a draft without syncing it
func (s *Service) Discard(ctx context.Context, id string) error {
	if err := s.drafts.DeleteDraft(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("draft_id", id).Msg("Draft discarded")
	s.publishCount(ctx)
	return nil
}

// PendingCount returns the number of drafts awaiting sync
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.drafts.CountUnsynced(ctx)
}

func (s *Service) publishCount(ctx context.Context) {
	if s.eventService == nil {
		return
	}
	count, err := s.drafts.CountUnsynced(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to count pending drafts")
		return
	}
	err = s.eventService.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventDraftsChanged,
		Payload: map[string]interface{}{"pending": count},
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish drafts_changed")
	}
}
