// Package progression applies quest rewards to users: experience, points,
// level, rank and achievements, plus the experience leaderboard.
package progression

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/questboard/server/cache"
	"github.com/questboard/server/game/errs"
	"github.com/questboard/server/game/reward"
	"github.com/questboard/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const leaderboardKey = "leaderboard:experience"
const leaderboardMax = 100

// Result describes the effect of one completion on a user.
type Result struct {
	User       model.User
	OldLevel   int
	NewLevel   int
	LeveledUp  bool
	Rank       reward.Rank
	RewardText string
}

// Profile is a user with derived progression labels.
type Profile struct {
	User         model.User              `json:"user"`
	Rank         reward.Rank             `json:"rank"`
	NextLevelAt  int64                   `json:"next_level_at"`
	Achievements []model.UserAchievement `json:"achievements"`
}

// LeaderboardEntry is one row of the experience leaderboard.
type LeaderboardEntry struct {
	Position   int         `json:"position"`
	UserID     string      `json:"user_id"`
	Username   string      `json:"username"`
	Level      int         `json:"level"`
	Experience int64       `json:"experience"`
	Rank       reward.Rank `json:"rank"`
}

// Preferences are the notification opt-ins a user controls.
type Preferences struct {
	NotifyEmail     *bool
	NotifyNewQuests *bool
}

// Service is the progression engine.
type Service struct {
	db     *gorm.DB
	cache  cache.Cache
	logger *zap.Logger
}

// NewService creates a progression Service. c may be nil, in which case the
// leaderboard is always read from the database.
func NewService(db *gorm.DB, c cache.Cache, logger *zap.Logger) *Service {
	return &Service{db: db, cache: c, logger: logger}
}

// EnsureUser creates the user row if absent and refreshes username/email.
func (s *Service) EnsureUser(ctx context.Context, id, username, email string) (*model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		u = model.User{
			ID:              id,
			Username:        username,
			Email:           email,
			Active:          true,
			NotifyNewQuests: true,
			Level:           1,
		}
		if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		s.logger.Info("user registered", zap.String("user_id", id))
		return &u, nil
	}
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if username != "" && username != u.Username {
		updates["username"] = username
	}
	if email != "" && email != u.Email {
		updates["email"] = email
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&u).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return &u, nil
}

// UpdatePreferences changes the user's notification opt-ins.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, p Preferences) (*model.User, error) {
	updates := map[string]interface{}{}
	if p.NotifyEmail != nil {
		updates["notify_email"] = *p.NotifyEmail
	}
	if p.NotifyNewQuests != nil {
		updates["notify_new_quests"] = *p.NotifyNewQuests
	}
	if len(updates) > 0 {
		res := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("user %s: %w", userID, errs.ErrNotFound)
		}
	}
	return s.getUser(ctx, s.db, userID)
}

// ApplyCompletion credits rewardPoints as both experience and points to the
// user, inside tx. Totals are incremented in SQL so concurrent completions do
// not lose updates; the level is only ever raised.
func (s *Service) ApplyCompletion(ctx context.Context, tx *gorm.DB, userID string, rewardPoints int64) (*Result, error) {
	if rewardPoints < 0 {
		return nil, errs.Invalid("reward_points", "must not be negative")
	}
	res := tx.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"experience":       gorm.Expr("experience + ?", rewardPoints),
			"points":           gorm.Expr("points + ?", rewardPoints),
			"quests_completed": gorm.Expr("quests_completed + ?", 1),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("credit user %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, errs.ErrNotFound)
	}

	u, err := s.getUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	result := &Result{OldLevel: u.Level, NewLevel: u.Level}

	if target := reward.LevelFor(u.Experience); target > u.Level {
		up := tx.WithContext(ctx).Model(&model.User{}).
			Where("id = ? AND level < ?", userID, target).
			Update("level", target)
		if up.Error != nil {
			return nil, fmt.Errorf("raise level for %s: %w", userID, up.Error)
		}
		if up.RowsAffected == 1 {
			result.LeveledUp = true
			result.NewLevel = target
			result.RewardText = reward.LevelUpReward(result.OldLevel, target)
			u.Level = target
		}
	}

	result.User = *u
	result.Rank = reward.RankFor(u.Level, u.Points)
	if result.LeveledUp {
		s.logger.Info("user leveled up",
			zap.String("user_id", userID),
			zap.Int("old_level", result.OldLevel),
			zap.Int("new_level", result.NewLevel))
	}
	return result, nil
}

// CheckAchievements unlocks every catalog achievement the user now meets and
// has not unlocked before, inside tx. It returns only the new unlocks.
func (s *Service) CheckAchievements(ctx context.Context, tx *gorm.DB, u *model.User) ([]Achievement, error) {
	var unlocked []Achievement
	for _, a := range Catalog {
		if !a.Met(u) {
			continue
		}
		rec := &model.UserAchievement{ID: uuid.NewString(), UserID: u.ID, Code: a.Code}
		res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if res.Error != nil {
			return nil, fmt.Errorf("unlock %s for %s: %w", a.Code, u.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			unlocked = append(unlocked, a)
		}
	}
	return unlocked, nil
}

// Profile returns the user with derived rank and unlocked achievements.
func (s *Service) Profile(ctx context.Context, userID string) (*Profile, error) {
	u, err := s.getUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	var achievements []model.UserAchievement
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("unlocked_at ASC").Find(&achievements).Error; err != nil {
		return nil, err
	}
	return &Profile{
		User:         *u,
		Rank:         reward.RankFor(u.Level, u.Points),
		NextLevelAt:  reward.ExperienceForLevel(u.Level + 1),
		Achievements: achievements,
	}, nil
}

// RecordLeaderboard pushes the user's experience to the cached leaderboard.
// Failures are logged; the database stays authoritative.
func (s *Service) RecordLeaderboard(ctx context.Context, u *model.User) {
	if s.cache == nil {
		return
	}
	if err := s.cache.ZAdd(ctx, leaderboardKey, float64(u.Experience), u.ID); err != nil {
		s.logger.Warn("leaderboard update failed", zap.String("user_id", u.ID), zap.Error(err))
	}
}

// Leaderboard returns the top users by experience. The cached sorted set is
// tried first and the database is the fallback.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 || limit > leaderboardMax {
		limit = 20
	}
	if s.cache != nil {
		ids, err := s.cache.ZRevRange(ctx, leaderboardKey, 0, int64(limit-1))
		if err == nil && len(ids) > 0 {
			return s.entriesFor(ctx, ids)
		}
	}
	var users []model.User
	if err := s.db.WithContext(ctx).Where("active = ?", true).
		Order("experience DESC").Order("id ASC").Limit(limit).
		Find(&users).Error; err != nil {
		return nil, err
	}
	return toEntries(users), nil
}

// RefreshLeaderboard rebuilds the cached sorted set from the database.
func (s *Service) RefreshLeaderboard(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	var users []model.User
	if err := s.db.WithContext(ctx).Where("active = ?", true).
		Order("experience DESC").Limit(leaderboardMax).
		Find(&users).Error; err != nil {
		return err
	}
	members := make(map[string]float64, len(users))
	for _, u := range users {
		members[u.ID] = float64(u.Experience)
	}
	if err := s.cache.ZReplace(ctx, leaderboardKey, members); err != nil {
		return err
	}
	s.logger.Debug("leaderboard refreshed", zap.Int("users", len(users)))
	return nil
}

func (s *Service) entriesFor(ctx context.Context, ids []string) ([]LeaderboardEntry, error) {
	var users []model.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]model.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	ordered := make([]model.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			ordered = append(ordered, u)
		}
	}
	return toEntries(ordered), nil
}

func toEntries(users []model.User) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, len(users))
	for i, u := range users {
		entries[i] = LeaderboardEntry{
			Position:   i + 1,
			UserID:     u.ID,
			Username:   u.Username,
			Level:      u.Level,
			Experience: u.Experience,
			Rank:       reward.RankFor(u.Level, u.Points),
		}
	}
	return entries
}

func (s *Service) getUser(ctx context.Context, db *gorm.DB, userID string) (*model.User, error) {
	var u model.User
	err := db.WithContext(ctx).Where("id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %s: %w", userID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
