package quest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/questboard/server/game/errs"
	"github.com/questboard/server/game/history"
	"github.com/questboard/server/model"
	"gorm.io/gorm"
)

// snapshot is the mutable part of a quest as recorded in update history.
type snapshot struct {
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	Reward       string           `json:"reward"`
	Difficulty   model.Difficulty `json:"difficulty"`
	RewardPoints int64            `json:"reward_points"`
	Category     string           `json:"category"`
	Tags         json.RawMessage  `json:"tags,omitempty"`
	Deadline     *time.Time       `json:"deadline,omitempty"`
}

func snapshotOf(q *model.Quest) snapshot {
	return snapshot{
		Title:        q.Title,
		Description:  q.Description,
		Reward:       q.Reward,
		Difficulty:   q.Difficulty,
		RewardPoints: q.RewardPoints,
		Category:     q.Category,
		Tags:         json.RawMessage(q.Tags),
		Deadline:     q.Deadline,
	}
}

// Update edits the mutable fields of a quest. Only the creator or an elevated
// actor may edit; the difficulty tier may only change while the quest is
// available.
func (s *Service) Update(ctx context.Context, questID string, p Patch, actor Actor) (*model.Quest, error) {
	var q *model.Quest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := loadQuest(ctx, tx, questID)
		if err != nil {
			return err
		}
		if !canManage(current, actor) {
			return fmt.Errorf("update quest %s: %w", questID, errs.ErrForbidden)
		}
		updates, difficultyChanged, err := p.changes(current, s.now())
		if err != nil {
			return err
		}
		if difficultyChanged && current.Status != model.QuestStatusAvailable {
			return fmt.Errorf("change difficulty of quest %s in status %s: %w",
				questID, current.Status, errs.ErrInvalidTransition)
		}

		res := tx.Model(&model.Quest{}).
			Where("id = ? AND status = ?", questID, current.Status).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update quest %s: %w", questID, res.Error)
		}
		if res.RowsAffected == 0 {
			conflict("update")
			return fmt.Errorf("update quest %s: status changed: %w", questID, errs.ErrInvalidTransition)
		}

		q, err = loadQuest(ctx, tx, questID)
		if err != nil {
			return err
		}
		_, err = s.ledger.WithTx(tx).Append(ctx, history.Entry{
			QuestID: questID,
			UserID:  actor.ID,
			Action:  model.HistoryUpdated,
			Details: map[string]snapshot{
				"before": snapshotOf(current),
				"after":  snapshotOf(q),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.committed(model.HistoryUpdated, q, actor.ID)
	return q, nil
}

// Delete removes an available quest. Only the creator or an elevated actor
// may delete. The delete re-checks the status so a concurrent accept wins.
func (s *Service) Delete(ctx context.Context, questID string, actor Actor) error {
	var deleted *model.Quest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := loadQuest(ctx, tx, questID)
		if err != nil {
			return err
		}
		if !canManage(current, actor) {
			return fmt.Errorf("delete quest %s: %w", questID, errs.ErrForbidden)
		}
		if current.Status != model.QuestStatusAvailable {
			return fmt.Errorf("delete quest %s in status %s: %w", questID, current.Status, errs.ErrInvalidTransition)
		}

		if _, err := s.ledger.WithTx(tx).Append(ctx, history.Entry{
			QuestID: questID,
			UserID:  actor.ID,
			Action:  model.HistoryDeleted,
			Details: snapshotOf(current),
		}); err != nil {
			return err
		}
		res := tx.Where("id = ? AND status = ? AND current_participants = 0",
			questID, model.QuestStatusAvailable).
			Delete(&model.Quest{})
		if res.Error != nil {
			return fmt.Errorf("delete quest %s: %w", questID, res.Error)
		}
		if res.RowsAffected == 0 {
			conflict("delete")
			return fmt.Errorf("delete quest %s: status changed: %w", questID, errs.ErrInvalidTransition)
		}
		deleted = current
		return nil
	})
	if err != nil {
		return err
	}
	s.committed(model.HistoryDeleted, deleted, actor.ID)
	return nil
}
