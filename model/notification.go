package model

import "time"

// NotificationType is the closed set of notification kinds.
type NotificationType string

const (
	NotifyQuestCreated        NotificationType = "quest_created"
	NotifyQuestAccepted       NotificationType = "quest_accepted"
	NotifyQuestCompleted      NotificationType = "quest_completed"
	NotifyQuestReleased       NotificationType = "quest_released"
	NotifyLevelUp             NotificationType = "level_up"
	NotifyAchievementUnlocked NotificationType = "achievement_unlocked"
)

// Notification is a persisted message for one recipient.
type Notification struct {
	ID          string           `gorm:"primaryKey;size:36" json:"id"`
	UserID      string           `gorm:"index:idx_notification_user;size:36;not null" json:"user_id"`
	Type        NotificationType `gorm:"size:32;not null" json:"type"`
	Title       string           `gorm:"size:120" json:"title"`
	Message     string           `gorm:"type:text" json:"message"`
	RelatedID   string           `gorm:"size:36" json:"related_id"`
	RelatedType string           `gorm:"size:16" json:"related_type"` // quest | user | achievement
	Read        bool             `gorm:"not null;default:false" json:"read"`
	ReadAt      *time.Time       `json:"read_at"`
	CreatedAt   time.Time        `gorm:"autoCreateTime:milli" json:"created_at"`
}
