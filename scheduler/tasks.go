package scheduler

import (
	"context"
	"time"

	"github.com/questboard/server/config"
	"go.uber.org/zap"
)

const (
	TaskOverdueSweep       = "overdue_sweep"
	TaskLeaderboardRefresh = "leaderboard_refresh"
	TaskLeaderboardWarmup  = "leaderboard_warmup"
	TaskRateLimitSweep     = "rate_limit_sweep"
)

// OverdueExpirer releases in-progress quests past their deadline.
type OverdueExpirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// LeaderboardRefresher rebuilds the cached leaderboard.
type LeaderboardRefresher interface {
	RefreshLeaderboard(ctx context.Context) error
}

// RegisterQuestTasks installs the quest board's periodic maintenance tasks.
// A zero interval disables the task.
func RegisterQuestTasks(s *Scheduler, quests OverdueExpirer, board LeaderboardRefresher, cfg config.QuestConfig, logger *zap.Logger) {
	if cfg.OverdueSweepInterval > 0 {
		s.AddTicker(TaskOverdueSweep, cfg.OverdueSweepInterval, func(ctx context.Context) error {
			n, err := quests.ExpireOverdue(ctx, time.Now())
			if n > 0 {
				logger.Info("overdue quests released", zap.Int("count", n))
			}
			return err
		})
	}
	if cfg.LeaderboardRefreshInterval > 0 {
		s.AddTicker(TaskLeaderboardRefresh, cfg.LeaderboardRefreshInterval, board.RefreshLeaderboard)
		// populate the cache shortly after boot instead of waiting a full interval
		s.AddDelay(TaskLeaderboardWarmup, time.Second, board.RefreshLeaderboard)
	}
}

// BucketSweeper drops rate limiter buckets idle since the given time.
type BucketSweeper interface {
	Sweep(idleSince time.Time) int
}

// RegisterRateLimitSweep drops buckets idle for longer than idle every
// interval.
func RegisterRateLimitSweep(s *Scheduler, limiter BucketSweeper, interval, idle time.Duration) {
	s.AddTicker(TaskRateLimitSweep, interval, func(context.Context) error {
		limiter.Sweep(time.Now().Add(-idle))
		return nil
	})
}
