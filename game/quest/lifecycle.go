package quest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/questboard/server/game/errs"
	"github.com/questboard/server/game/event"
	"github.com/questboard/server/game/history"
	"github.com/questboard/server/game/progression"
	"github.com/questboard/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Completion is the outcome of a successful Complete.
type Completion struct {
	Quest        model.Quest               `json:"quest"`
	Progress     *progression.Result       `json:"progress"`
	Achievements []progression.Achievement `json:"achievements"`
}

// Create posts a new quest owned by actor.
func (s *Service) Create(ctx context.Context, d Draft, actor Actor) (*model.Quest, error) {
	q, err := d.build(s.now())
	if err != nil {
		return nil, err
	}
	q.ID = uuid.NewString()
	q.Slug = makeSlug(q.Title)
	q.Status = model.QuestStatusAvailable
	q.CreatedBy = actor.ID
	q.CurrentParticipants = 0

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireUser(ctx, tx, actor.ID); err != nil {
			return err
		}
		if err := tx.Create(q).Error; err != nil {
			return fmt.Errorf("insert quest: %w", err)
		}
		_, err := s.ledger.WithTx(tx).Append(ctx, history.Entry{
			QuestID: q.ID,
			UserID:  actor.ID,
			Action:  model.HistoryCreated,
			Details: map[string]interface{}{
				"title":         q.Title,
				"difficulty":    q.Difficulty,
				"reward_points": q.RewardPoints,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(model.HistoryCreated, q, actor.ID)
	s.events.Emit(event.QuestCreated{Quest: *q})
	return q, nil
}

// Accept moves an available quest to in_progress for actor. The transition
// is a single conditional update, so of many concurrent callers on a quest
// with one free slot exactly one wins.
func (s *Service) Accept(ctx context.Context, questID string, actor Actor) (*model.Quest, error) {
	var q *model.Quest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireUser(ctx, tx, actor.ID); err != nil {
			return err
		}
		current, err := loadQuest(ctx, tx, questID)
		if err != nil {
			return err
		}
		if current.CreatedBy == actor.ID {
			return fmt.Errorf("accept own quest %s: %w", questID, errs.ErrForbidden)
		}

		now := s.now()
		res := tx.Model(&model.Quest{}).
			Where("id = ? AND status = ? AND current_participants < max_participants",
				questID, model.QuestStatusAvailable).
			Updates(map[string]interface{}{
				"status":               model.QuestStatusInProgress,
				"accepted_by":          actor.ID,
				"accepted_at":          now,
				"current_participants": gorm.Expr("current_participants + ?", 1),
			})
		if res.Error != nil {
			return fmt.Errorf("accept quest %s: %w", questID, res.Error)
		}
		if res.RowsAffected == 0 {
			conflict("accept")
			if _, err := loadQuest(ctx, tx, questID); err != nil {
				return err
			}
			return fmt.Errorf("accept quest %s: %w", questID, errs.ErrInvalidTransition)
		}

		if _, err := s.ledger.WithTx(tx).Append(ctx, history.Entry{
			QuestID: questID,
			UserID:  actor.ID,
			Action:  model.HistoryAccepted,
		}); err != nil {
			return err
		}
		q, err = loadQuest(ctx, tx, questID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(model.HistoryAccepted, q, actor.ID)
	s.events.Emit(event.QuestAccepted{Quest: *q, AcceptorID: actor.ID})
	return q, nil
}

// Complete moves an in_progress quest to completed. Only the acceptor may
// complete. The completer's progression and achievements are applied in the
// same transaction as the status change.
func (s *Service) Complete(ctx context.Context, questID string, actor Actor) (*Completion, error) {
	out := &Completion{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Quest{}).
			Where("id = ? AND status = ? AND accepted_by = ?",
				questID, model.QuestStatusInProgress, actor.ID).
			Updates(map[string]interface{}{
				"status":       model.QuestStatusCompleted,
				"completed_at": s.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("complete quest %s: %w", questID, res.Error)
		}
		if res.RowsAffected == 0 {
			conflict("complete")
			current, err := loadQuest(ctx, tx, questID)
			if err != nil {
				return err
			}
			if current.Status != model.QuestStatusInProgress {
				return fmt.Errorf("complete quest %s in status %s: %w", questID, current.Status, errs.ErrInvalidTransition)
			}
			return fmt.Errorf("complete quest %s accepted by another user: %w", questID, errs.ErrForbidden)
		}

		q, err := loadQuest(ctx, tx, questID)
		if err != nil {
			return err
		}
		earned := q.RewardPoints
		if _, err := s.ledger.WithTx(tx).Append(ctx, history.Entry{
			QuestID: questID,
			UserID:  actor.ID,
			Action:  model.HistoryCompleted,
			Earned:  &earned,
		}); err != nil {
			return err
		}

		progress, err := s.progression.ApplyCompletion(ctx, tx, actor.ID, earned)
		if err != nil {
			return err
		}
		unlocked, err := s.progression.CheckAchievements(ctx, tx, &progress.User)
		if err != nil {
			return err
		}
		out.Quest = *q
		out.Progress = progress
		out.Achievements = unlocked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.committed(model.HistoryCompleted, &out.Quest, actor.ID)
	s.progression.RecordLeaderboard(ctx, &out.Progress.User)
	s.events.Emit(event.QuestCompleted{
		Quest:        out.Quest,
		CompleterID:  actor.ID,
		EarnedPoints: out.Quest.RewardPoints,
	})
	if p := out.Progress; p.LeveledUp {
		s.events.Emit(event.LeveledUp{
			UserID:     actor.ID,
			OldLevel:   p.OldLevel,
			NewLevel:   p.NewLevel,
			Rank:       string(p.Rank),
			RewardText: p.RewardText,
		})
	}
	for _, a := range out.Achievements {
		s.events.Emit(event.AchievementUnlocked{UserID: actor.ID, Code: a.Code, Title: a.Title})
	}
	return out, nil
}

// Abandon returns an in_progress quest to available, freeing the slot held by
// its acceptor. The acceptor or an elevated actor may abandon.
func (s *Service) Abandon(ctx context.Context, questID string, actor Actor) (*model.Quest, error) {
	var q *model.Quest
	var acceptor string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := loadQuest(ctx, tx, questID)
		if err != nil {
			return err
		}
		if current.Status != model.QuestStatusInProgress || current.AcceptedBy == nil {
			return fmt.Errorf("abandon quest %s in status %s: %w", questID, current.Status, errs.ErrInvalidTransition)
		}
		acceptor = *current.AcceptedBy
		if acceptor != actor.ID && !actor.Elevated {
			return fmt.Errorf("abandon quest %s: %w", questID, errs.ErrForbidden)
		}
		q, err = s.release(ctx, tx, questID, acceptor, actor.ID, model.HistoryAbandoned)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(model.HistoryAbandoned, q, actor.ID)
	s.events.Emit(event.QuestReleased{Quest: *q, UserID: acceptor, Reason: model.HistoryAbandoned})
	return q, nil
}

// ExpireOverdue releases every in_progress quest whose deadline is before
// now, recording a failure against its acceptor. It returns how many quests
// were released. A quest that changed state concurrently is skipped.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	var overdue []model.Quest
	if err := s.db.WithContext(ctx).
		Where("status = ? AND deadline IS NOT NULL AND deadline < ?", model.QuestStatusInProgress, now).
		Find(&overdue).Error; err != nil {
		return 0, err
	}

	released := 0
	var failures []error
	for i := range overdue {
		if overdue[i].AcceptedBy == nil {
			continue
		}
		acceptor := *overdue[i].AcceptedBy
		var q *model.Quest
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			q, err = s.release(ctx, tx, overdue[i].ID, acceptor, acceptor, model.HistoryFailed)
			return err
		})
		if errors.Is(err, errs.ErrInvalidTransition) {
			s.logger.Debug("overdue quest changed before release", zap.String("quest_id", overdue[i].ID))
			continue
		}
		if err != nil {
			s.logger.Error("release overdue quest failed", zap.String("quest_id", overdue[i].ID), zap.Error(err))
			failures = append(failures, err)
			continue
		}
		released++
		s.committed(model.HistoryFailed, q, acceptor)
		s.events.Emit(event.QuestReleased{Quest: *q, UserID: acceptor, Reason: model.HistoryFailed})
	}
	return released, errors.Join(failures...)
}

// release reverts in_progress -> available inside tx, guarded on the quest
// still being held by acceptor, and appends action for historyUser.
func (s *Service) release(ctx context.Context, tx *gorm.DB, questID, acceptor, historyUser string, action model.HistoryAction) (*model.Quest, error) {
	res := tx.Model(&model.Quest{}).
		Where("id = ? AND status = ? AND accepted_by = ? AND current_participants > 0",
			questID, model.QuestStatusInProgress, acceptor).
		Updates(map[string]interface{}{
			"status":               model.QuestStatusAvailable,
			"accepted_by":          nil,
			"accepted_at":          nil,
			"current_participants": gorm.Expr("current_participants - ?", 1),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("release quest %s: %w", questID, res.Error)
	}
	if res.RowsAffected == 0 {
		conflict(string(action))
		return nil, fmt.Errorf("release quest %s: %w", questID, errs.ErrInvalidTransition)
	}
	if _, err := s.ledger.WithTx(tx).Append(ctx, history.Entry{
		QuestID: questID,
		UserID:  historyUser,
		Action:  action,
		Details: map[string]string{"acceptor": acceptor},
	}); err != nil {
		return nil, err
	}
	return loadQuest(ctx, tx, questID)
}
