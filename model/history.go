package model

import (
	"time"

	"gorm.io/datatypes"
)

// HistoryAction is the kind of action recorded in the quest history ledger.
type HistoryAction string

const (
	HistoryCreated   HistoryAction = "created"
	HistoryAccepted  HistoryAction = "accepted"
	HistoryCompleted HistoryAction = "completed"
	HistoryUpdated   HistoryAction = "updated"
	HistoryDeleted   HistoryAction = "deleted"
	HistoryAbandoned HistoryAction = "abandoned"
	HistoryFailed    HistoryAction = "failed"
)

// HistoryEntry is an immutable record of an action taken on a quest.
type HistoryEntry struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	QuestID          string         `gorm:"index:idx_history_quest;size:36;not null" json:"quest_id"`
	UserID           string         `gorm:"index:idx_history_user;size:36;not null" json:"user_id"`
	Action           HistoryAction  `gorm:"size:16;not null" json:"action"`
	EarnedPoints     *int64         `json:"earned_points,omitempty"`
	EarnedExperience *int64         `json:"earned_experience,omitempty"`
	Details          datatypes.JSON `json:"details"`
	CreatedAt        time.Time      `gorm:"index:idx_history_created;autoCreateTime:milli" json:"created_at"`
}

// TableName pins the ledger table name.
func (HistoryEntry) TableName() string { return "quest_history" }
