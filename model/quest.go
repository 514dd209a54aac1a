package model

import (
	"time"

	"gorm.io/datatypes"
)

// QuestStatus is the lifecycle state of a quest.
type QuestStatus string

const (
	QuestStatusAvailable  QuestStatus = "available"
	QuestStatusInProgress QuestStatus = "in_progress"
	QuestStatusCompleted  QuestStatus = "completed"
)

// Difficulty is the fixed, ordered difficulty tier of a quest.
type Difficulty string

const (
	DifficultyE  Difficulty = "E"
	DifficultyD  Difficulty = "D"
	DifficultyC  Difficulty = "C"
	DifficultyB  Difficulty = "B"
	DifficultyA  Difficulty = "A"
	DifficultyS  Difficulty = "S"
	DifficultySS Difficulty = "SS"
)

// Quest is a task posted on the board.
type Quest struct {
	ID                  string         `gorm:"primaryKey;size:36" json:"id"`
	Slug                string         `gorm:"index:idx_quest_slug;size:120" json:"slug"`
	Title               string         `gorm:"size:100;not null" json:"title"`
	Description         string         `gorm:"type:text;not null" json:"description"`
	Status              QuestStatus    `gorm:"index:idx_quest_status;size:16;not null" json:"status"`
	Difficulty          Difficulty     `gorm:"size:2;not null" json:"difficulty"`
	Reward              string         `gorm:"size:100" json:"reward"`
	RewardPoints        int64          `gorm:"not null" json:"reward_points"`
	Category            string         `gorm:"size:50" json:"category"`
	Tags                datatypes.JSON `json:"tags"` // ["delivery","urgent"]
	Deadline            *time.Time     `json:"deadline"`
	MaxParticipants     int            `gorm:"not null;default:1" json:"max_participants"`
	CurrentParticipants int            `gorm:"not null;default:0" json:"current_participants"`
	CreatedBy           string         `gorm:"index:idx_quest_creator;size:36;not null" json:"created_by"`
	AcceptedBy          *string        `gorm:"index:idx_quest_acceptor;size:36" json:"accepted_by"`
	AcceptedAt          *time.Time     `json:"accepted_at"`
	CompletedAt         *time.Time     `json:"completed_at"`
	RatingSum           int64          `gorm:"not null;default:0" json:"-"`
	RatingCount         int64          `gorm:"not null;default:0" json:"rating_count"`
	AverageRating       float64        `gorm:"not null;default:0" json:"average_rating"`
	// RatingVersion increments with every rating write; it versions cached stats.
	RatingVersion int64 `gorm:"not null;default:0" json:"-"`
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// QuestRating is one user's rating of a completed quest.
type QuestRating struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	QuestID   string    `gorm:"uniqueIndex:idx_rating_quest_user;size:36;not null" json:"quest_id"`
	UserID    string    `gorm:"uniqueIndex:idx_rating_quest_user;size:36;not null" json:"user_id"`
	Rating    int       `gorm:"not null" json:"rating"`
	Comment   string    `gorm:"size:500" json:"comment"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
