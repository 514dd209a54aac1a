package model

import "time"

// User is a quest board member and their accumulated progression.
type User struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	Username        string    `gorm:"size:64" json:"username"`
	Email           string    `gorm:"size:255" json:"email"`
	Active          bool      `gorm:"not null" json:"active"`
	NotifyEmail     bool      `gorm:"not null;default:false" json:"notify_email"`
	NotifyNewQuests bool      `gorm:"not null" json:"notify_new_quests"`
	Level           int       `gorm:"not null;default:1" json:"level"`
	Experience      int64     `gorm:"index:idx_user_exp;not null;default:0" json:"experience"`
	Points          int64     `gorm:"not null;default:0" json:"points"`
	QuestsCompleted int64     `gorm:"not null;default:0" json:"quests_completed"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UserAchievement records an achievement unlocked by a user.
type UserAchievement struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	UserID     string    `gorm:"uniqueIndex:idx_achievement_user_code;size:36;not null" json:"user_id"`
	Code       string    `gorm:"uniqueIndex:idx_achievement_user_code;size:32;not null" json:"code"`
	UnlockedAt time.Time `gorm:"autoCreateTime" json:"unlocked_at"`
}
