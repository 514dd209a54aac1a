package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/questboard/server/game/errs"
	"github.com/questboard/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Inbox reads and acknowledges a user's persisted notifications.
type Inbox struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewInbox creates an Inbox.
func NewInbox(db *gorm.DB, logger *zap.Logger) *Inbox {
	return &Inbox{db: db, logger: logger}
}

// List returns the user's notifications, newest first.
func (in *Inbox) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := in.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where(map[string]interface{}{"read": false})
	}
	var out []model.Notification
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// MarkRead marks one of the user's notifications read. ReadAt is set only on
// the first call; later calls return the notification unchanged.
func (in *Inbox) MarkRead(ctx context.Context, userID, id string) (*model.Notification, error) {
	res := in.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Where(map[string]interface{}{"read": false}).
		Updates(map[string]interface{}{"read": true, "read_at": time.Now()})
	if res.Error != nil {
		return nil, res.Error
	}

	var n model.Notification
	err := in.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("notification %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkAllRead marks every unread notification of the user read and returns
// how many changed.
func (in *Inbox) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res := in.db.WithContext(ctx).Model(&model.Notification{}).
		Where("user_id = ?", userID).
		Where(map[string]interface{}{"read": false}).
		Updates(map[string]interface{}{"read": true, "read_at": time.Now()})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		in.logger.Debug("notifications marked read", zap.String("user_id", userID), zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// UnreadCount returns how many unread notifications the user has.
func (in *Inbox) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := in.db.WithContext(ctx).Model(&model.Notification{}).
		Where("user_id = ?", userID).
		Where(map[string]interface{}{"read": false}).
		Count(&n).Error
	return n, err
}
