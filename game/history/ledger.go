// Package history is the append-only quest action ledger. It exposes no way
// to modify or remove an entry once written.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/questboard/server/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry holds one action to be recorded.
type Entry struct {
	QuestID string
	UserID  string
	Action  model.HistoryAction
	// Earned is recorded as points and experience; only set for completions.
	Earned  *int64
	Details interface{}
}

// Ledger appends and reads quest history.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a Ledger.
func New(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// WithTx returns a Ledger whose writes join the given transaction.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, logger: l.logger}
}

// newEntryID returns a time-ordered UUIDv7, so id breaks created_at ties in
// insertion order even where the store truncates timestamps.
func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Append writes an immutable history record.
func (l *Ledger) Append(ctx context.Context, e Entry) (*model.HistoryEntry, error) {
	rec := &model.HistoryEntry{
		ID:      newEntryID(),
		QuestID: e.QuestID,
		UserID:  e.UserID,
		Action:  e.Action,
	}
	if e.Earned != nil {
		if e.Action != model.HistoryCompleted {
			return nil, fmt.Errorf("history: earned amounts only apply to %s, got %s", model.HistoryCompleted, e.Action)
		}
		pts, exp := *e.Earned, *e.Earned
		rec.EarnedPoints = &pts
		rec.EarnedExperience = &exp
	}
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return nil, fmt.Errorf("history: marshal details: %w", err)
		}
		rec.Details = datatypes.JSON(raw)
	}
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("history: append %s: %w", e.Action, err)
	}
	l.logger.Debug("history appended",
		zap.String("quest_id", e.QuestID),
		zap.String("user_id", e.UserID),
		zap.String("action", string(e.Action)))
	return rec, nil
}

// ListForQuest returns a quest's history in chronological order.
func (l *Ledger) ListForQuest(ctx context.Context, questID string) ([]model.HistoryEntry, error) {
	var entries []model.HistoryEntry
	err := l.db.WithContext(ctx).
		Where("quest_id = ?", questID).
		Order("created_at ASC").Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// ListForUser returns the actions a user took, newest first. An empty action
// matches every action.
func (l *Ledger) ListForUser(ctx context.Context, userID string, action model.HistoryAction, limit int) ([]model.HistoryEntry, error) {
	q := l.db.WithContext(ctx).Where("user_id = ?", userID)
	if action != "" {
		q = q.Where("action = ?", action)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []model.HistoryEntry
	err := q.Order("created_at DESC").Order("id DESC").Find(&entries).Error
	return entries, err
}

// HasCompleted reports whether the ledger shows userID completed questID.
func (l *Ledger) HasCompleted(ctx context.Context, questID, userID string) (bool, error) {
	var entries []model.HistoryEntry
	err := l.db.WithContext(ctx).
		Where("quest_id = ? AND user_id = ? AND action = ?", questID, userID, model.HistoryCompleted).
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}
