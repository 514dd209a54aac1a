// Package rating stores per-user quest ratings and keeps each quest's
// running average in step with them.
package rating

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/questboard/server/cache"
	"github.com/questboard/server/game/errs"
	"github.com/questboard/server/game/history"
	"github.com/questboard/server/metrics"
	"github.com/questboard/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	MinScore         = 1
	MaxScore         = 5
	MaxCommentLength = 500
)

// Stats is the aggregate rating view of one quest.
type Stats struct {
	QuestID       string             `json:"quest_id"`
	AverageRating float64            `json:"average_rating"`
	TotalRatings  int64              `json:"total_ratings"`
	Distribution  map[int]int64      `json:"distribution"`
	CallerRating  *model.QuestRating `json:"caller_rating,omitempty"`
}

// Service is the rating aggregator.
type Service struct {
	db       *gorm.DB
	ledger   *history.Ledger
	cache    cache.Cache
	statsTTL time.Duration
	logger   *zap.Logger
}

// NewService creates a rating Service. c may be nil to disable stats caching.
func NewService(db *gorm.DB, ledger *history.Ledger, c cache.Cache, statsTTL time.Duration, logger *zap.Logger) *Service {
	if statsTTL <= 0 {
		statsTTL = 5 * time.Minute
	}
	return &Service{db: db, ledger: ledger, cache: c, statsTTL: statsTTL, logger: logger}
}

// statsKey names the cached aggregate for one rating version of a quest.
// Every rating write bumps the version, so an entry computed before a write
// can never be served after it.
func statsKey(questID string, version int64) string {
	return fmt.Sprintf("quest:stats:%s:v%d", questID, version)
}

// Upsert records userID's rating of questID, replacing any earlier rating by
// the same user. Only users the ledger shows as having completed the quest
// may rate it.
func (s *Service) Upsert(ctx context.Context, questID, userID string, score int, comment string) (*model.QuestRating, error) {
	comment = strings.TrimSpace(comment)
	verr := &errs.ValidationError{}
	if score < MinScore || score > MaxScore {
		verr.Add("rating", fmt.Sprintf("must be between %d and %d", MinScore, MaxScore))
	}
	if utf8.RuneCountInString(comment) > MaxCommentLength {
		verr.Add("comment", fmt.Sprintf("must be at most %d characters", MaxCommentLength))
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	var rec model.QuestRating
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var q model.Quest
		if err := tx.Select("id").Where("id = ?", questID).First(&q).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("quest %s: %w", questID, errs.ErrNotFound)
			}
			return err
		}
		done, err := s.ledger.WithTx(tx).HasCompleted(ctx, questID, userID)
		if err != nil {
			return err
		}
		if !done {
			return fmt.Errorf("rate quest %s: %w", questID, errs.ErrNotCompleted)
		}

		rec = model.QuestRating{
			ID:      uuid.NewString(),
			QuestID: questID,
			UserID:  userID,
			Rating:  score,
			Comment: comment,
		}
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if ins.Error != nil {
			return fmt.Errorf("insert rating: %w", ins.Error)
		}

		sumDelta, countDelta := int64(score), int64(1)
		if ins.RowsAffected == 0 {
			// the (quest, user) pair already has a rating; replace it
			var old model.QuestRating
			if err := tx.Where("quest_id = ? AND user_id = ?", questID, userID).First(&old).Error; err != nil {
				return fmt.Errorf("load rating: %w", err)
			}
			if err := tx.Model(&old).Updates(map[string]interface{}{
				"rating":  score,
				"comment": comment,
			}).Error; err != nil {
				return fmt.Errorf("update rating: %w", err)
			}
			sumDelta, countDelta = int64(score-old.Rating), 0
			old.Rating, old.Comment = score, comment
			rec = old
		}

		if err := tx.Model(&model.Quest{}).Where("id = ?", questID).Updates(map[string]interface{}{
			"rating_sum":     gorm.Expr("rating_sum + ?", sumDelta),
			"rating_count":   gorm.Expr("rating_count + ?", countDelta),
			"rating_version": gorm.Expr("rating_version + 1"),
		}).Error; err != nil {
			return fmt.Errorf("adjust rating totals: %w", err)
		}
		return tx.Model(&model.Quest{}).Where("id = ?", questID).
			Update("average_rating", gorm.Expr("CASE WHEN rating_count > 0 THEN rating_sum * 1.0 / rating_count ELSE 0 END")).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.RatingsSubmitted.Inc()
	s.logger.Info("quest rated",
		zap.String("quest_id", questID),
		zap.String("user_id", userID),
		zap.Int("rating", score))
	return &rec, nil
}

// Stats returns the quest's rating aggregate. The aggregate is cached; the
// caller's own rating is always read fresh when callerID is set.
func (s *Service) Stats(ctx context.Context, questID, callerID string) (*Stats, error) {
	st, err := s.cachedStats(ctx, questID)
	if err != nil {
		return nil, err
	}
	if callerID != "" {
		var mine []model.QuestRating
		if err := s.db.WithContext(ctx).
			Where("quest_id = ? AND user_id = ?", questID, callerID).
			Limit(1).Find(&mine).Error; err != nil {
			return nil, err
		}
		if len(mine) > 0 {
			st.CallerRating = &mine[0]
		}
	}
	return st, nil
}

// List returns a quest's ratings, newest first.
func (s *Service) List(ctx context.Context, questID string, limit int) ([]model.QuestRating, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []model.QuestRating
	err := s.db.WithContext(ctx).Where("quest_id = ?", questID).
		Order("updated_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *Service) cachedStats(ctx context.Context, questID string) (*Stats, error) {
	var q model.Quest
	err := s.db.WithContext(ctx).
		Select("id", "rating_count", "average_rating", "rating_version").
		Where("id = ?", questID).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("quest %s: %w", questID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	key := statsKey(questID, q.RatingVersion)

	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			var st Stats
			if json.Unmarshal([]byte(raw), &st) == nil {
				return &st, nil
			}
		case !cache.IsNotFound(err):
			s.logger.Warn("read rating stats cache failed", zap.String("quest_id", questID), zap.Error(err))
		}
	}

	var rows []struct {
		Rating int
		Total  int64
	}
	if err := s.db.WithContext(ctx).Model(&model.QuestRating{}).
		Select("rating, COUNT(*) AS total").
		Where("quest_id = ?", questID).
		Group("rating").Scan(&rows).Error; err != nil {
		return nil, err
	}
	st := &Stats{
		QuestID:       questID,
		AverageRating: q.AverageRating,
		TotalRatings:  q.RatingCount,
		Distribution:  make(map[int]int64, MaxScore),
	}
	for i := MinScore; i <= MaxScore; i++ {
		st.Distribution[i] = 0
	}
	for _, r := range rows {
		st.Distribution[r.Rating] = r.Total
	}

	if s.cache != nil {
		if raw, err := json.Marshal(st); err == nil {
			if err := s.cache.Set(ctx, key, string(raw), s.statsTTL); err != nil {
				s.logger.Warn("cache rating stats failed", zap.String("quest_id", questID), zap.Error(err))
			}
		}
	}
	return st, nil
}
