// Package quest implements the quest lifecycle: creation, the guarded
// available -> in_progress -> completed transitions, release back to
// available, edits and deletion. Every transition commits together with its
// history entry; events are emitted only after the commit.
package quest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gosimple/slug"
	"github.com/questboard/server/game/errs"
	"github.com/questboard/server/game/event"
	"github.com/questboard/server/game/history"
	"github.com/questboard/server/game/progression"
	"github.com/questboard/server/metrics"
	"github.com/questboard/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Actor is the caller on whose behalf an operation runs. Elevated is resolved
// by the caller from its role; the service never computes it.
type Actor struct {
	ID       string
	Elevated bool
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status     model.QuestStatus
	Difficulty model.Difficulty
	Category   string
	CreatedBy  string
	AcceptedBy string
	Limit      int
	Offset     int
}

// Service runs quest lifecycle operations.
type Service struct {
	db          *gorm.DB
	ledger      *history.Ledger
	progression *progression.Service
	events      event.Sink
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a quest Service. A nil sink discards events.
func NewService(db *gorm.DB, ledger *history.Ledger, prog *progression.Service, sink event.Sink, logger *zap.Logger) *Service {
	if sink == nil {
		sink = event.Discard{}
	}
	return &Service{
		db:          db,
		ledger:      ledger,
		progression: prog,
		events:      sink,
		logger:      logger,
		now:         time.Now,
	}
}

// Get returns a quest by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Quest, error) {
	return loadQuest(ctx, s.db, id)
}

// List returns quests matching f, newest first, and the total match count.
func (s *Service) List(ctx context.Context, f Filter) ([]model.Quest, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.Quest{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Difficulty != "" {
		q = q.Where("difficulty = ?", f.Difficulty)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.CreatedBy != "" {
		q = q.Where("created_by = ?", f.CreatedBy)
	}
	if f.AcceptedBy != "" {
		q = q.Where("accepted_by = ?", f.AcceptedBy)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var quests []model.Quest
	err := q.Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).Find(&quests).Error
	return quests, total, err
}

func loadQuest(ctx context.Context, db *gorm.DB, id string) (*model.Quest, error) {
	var q model.Quest
	err := db.WithContext(ctx).Where("id = ?", id).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("quest %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func requireUser(ctx context.Context, db *gorm.DB, id string) error {
	var n int64
	if err := db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func canManage(q *model.Quest, actor Actor) bool {
	return actor.Elevated || q.CreatedBy == actor.ID
}

func makeSlug(title string) string {
	s := slug.Make(title)
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func (s *Service) committed(action model.HistoryAction, q *model.Quest, actorID string) {
	metrics.QuestTransitions.WithLabelValues(string(action)).Inc()
	s.logger.Info("quest "+string(action),
		zap.String("quest_id", q.ID),
		zap.String("user_id", actorID),
		zap.String("status", string(q.Status)))
}

func conflict(op string) {
	metrics.QuestConflicts.WithLabelValues(op).Inc()
}
