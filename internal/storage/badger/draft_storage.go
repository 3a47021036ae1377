package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/bioen07-del/gmp-labwork/internal/common"
	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/models"
)

// maxIDAttempts bounds ID regeneration when a generated ID is already taken
const maxIDAttempts = 5

// DraftStorage implements interfaces.DraftStorage on badgerhold.
// Drafts are stored by value under their draft_ prefixed ID.
type DraftStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	now    func() time.Time
}

// NewDraftStorage creates a new DraftStorage instance
func NewDraftStorage(db *BadgerDB, logger arbor.ILogger) *DraftStorage {
	return &DraftStorage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

var _ interfaces.DraftStorage = (*DraftStorage)(nil)

// SaveDraft stores a new unsynced draft. IDs are generated here and never
// supplied by callers; an ID collision generates a new one rather than overwriting.
func (s *DraftStorage) SaveDraft(ctx context.Context, kind models.DraftKind, payload models.Payload) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		createdAt := s.now()
		draft := models.Draft{
			ID:        common.NewDraftID(createdAt),
			Kind:      kind,
			Payload:   payload.Clone(),
			CreatedAt: createdAt,
			Synced:    false,
		}

		err := s.db.Store().Insert(draft.ID, draft)
		if errors.Is(err, badgerhold.ErrKeyExists) {
			s.logger.Warn().Str("draft_id", draft.ID).Msg("Draft ID collision, regenerating")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to save draft: %w", err)
		}

		s.logger.Debug().
			Str("draft_id", draft.ID).
			Str("kind", string(kind)).
			Msg("Draft saved")
		return draft.ID, nil
	}

	return "", fmt.Errorf("failed to save draft: could not generate a unique id after %d attempts", maxIDAttempts)
}

// GetDraft returns nil, nil when the draft does not exist
func (s *DraftStorage) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	var draft models.Draft
	err := s.db.Store().Get(id, &draft)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft %s: %w", id, err)
	}
	return &draft, nil
}

// GetAllDrafts returns every draft ordered by CreatedAt descending
func (s *DraftStorage) GetAllDrafts(ctx context.Context) ([]*models.Draft, error) {
	var drafts []models.Draft
	if err := s.db.Store().Find(&drafts, nil); err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	return sortDrafts(drafts), nil
}

// GetUnsyncedDrafts returns drafts not yet acknowledged, ordered by CreatedAt descending
func (s *DraftStorage) GetUnsyncedDrafts(ctx context.Context) ([]*models.Draft, error) {
	var drafts []models.Draft
	if err := s.db.Store().Find(&drafts, badgerhold.Where("Synced").Eq(false)); err != nil {
		return nil, fmt.Errorf("failed to list unsynced drafts: %w", err)
	}
	return sortDrafts(drafts), nil
}

// CountUnsynced returns the pending draft count
func (s *DraftStorage) CountUnsynced(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Draft{}, badgerhold.Where("Synced").Eq(false))
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced drafts: %w", err)
	}
	return int(count), nil
}

// MarkSynced flags the draft as acknowledged in a single transaction.
// A draft that no longer exists is ignored.
func (s *DraftStorage) MarkSynced(ctx context.Context, id string) error {
	store := s.db.Store()
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		var draft models.Draft
		if err := store.TxGet(tx, id, &draft); err != nil {
			return err
		}
		if draft.Synced {
			return nil
		}
		draft.Synced = true
		return store.TxUpdate(tx, id, draft)
	})
	if errors.Is(err, badgerhold.ErrNotFound) {
		s.logger.Debug().Str("draft_id", id).Msg("MarkSynced: draft no longer exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark draft %s synced: %w", id, err)
	}
	return nil
}

// DeleteDraft removes the draft; a missing draft is not an error
func (s *DraftStorage) DeleteDraft(ctx context.Context, id string) error {
	err := s.db.Store().Delete(id, models.Draft{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete draft %s: %w", id, err)
	}
	return nil
}

// ClearSynced deletes every draft currently marked synced
func (s *DraftStorage) ClearSynced(ctx context.Context) (int, error) {
	var synced []models.Draft
	if err := s.db.Store().Find(&synced, badgerhold.Where("Synced").Eq(true)); err != nil {
		return 0, fmt.Errorf("failed to list synced drafts: %w", err)
	}

	removed := 0
	for _, draft := range synced {
		if err := s.DeleteDraft(ctx, draft.ID); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		s.logger.Debug().Int("count", removed).Msg("Cleared synced drafts")
	}
	return removed, nil
}

// sortDrafts keeps draft-prefixed records and orders them most recent first
func sortDrafts(drafts []models.Draft) []*models.Draft {
	out := make([]*models.Draft, 0, len(drafts))
	for i := range drafts {
		if !common.IsDraftID(drafts[i].ID) {
			continue
		}
		out = append(out, &drafts[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
