// Package event defines the typed lifecycle events emitted after a quest
// transition commits, and the sink that consumes them.
package event

import (
	"sync"

	"github.com/questboard/server/model"
)

// Kind identifies an event type.
type Kind string

const (
	KindQuestCreated        Kind = "quest_created"
	KindQuestAccepted       Kind = "quest_accepted"
	KindQuestCompleted      Kind = "quest_completed"
	KindQuestReleased       Kind = "quest_released"
	KindLeveledUp           Kind = "leveled_up"
	KindAchievementUnlocked Kind = "achievement_unlocked"
)

// Event is a lifecycle event.
type Event interface {
	Kind() Kind
}

// Sink receives events. Emit must not block the caller.
type Sink interface {
	Emit(ev Event)
}

// QuestCreated is emitted after a quest is posted.
type QuestCreated struct {
	Quest model.Quest
}

// QuestAccepted is emitted after a quest moves to in_progress.
type QuestAccepted struct {
	Quest      model.Quest
	AcceptorID string
}

// QuestCompleted is emitted after a quest moves to completed.
type QuestCompleted struct {
	Quest        model.Quest
	CompleterID  string
	EarnedPoints int64
}

// QuestReleased is emitted when an in-progress quest returns to available,
// either abandoned by its acceptor or failed past its deadline.
type QuestReleased struct {
	Quest  model.Quest
	UserID string
	Reason model.HistoryAction
}

// LeveledUp is emitted when a completion raises a user's level.
type LeveledUp struct {
	UserID     string
	OldLevel   int
	NewLevel   int
	Rank       string
	RewardText string
}

// AchievementUnlocked is emitted for each newly unlocked achievement.
type AchievementUnlocked struct {
	UserID string
	Code   string
	Title  string
}

func (QuestCreated) Kind() Kind        { return KindQuestCreated }
func (QuestAccepted) Kind() Kind       { return KindQuestAccepted }
func (QuestCompleted) Kind() Kind      { return KindQuestCompleted }
func (QuestReleased) Kind() Kind       { return KindQuestReleased }
func (LeveledUp) Kind() Kind           { return KindLeveledUp }
func (AchievementUnlocked) Kind() Kind { return KindAchievementUnlocked }

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	evs := r.Events()
	out := make([]Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind()
	}
	return out
}
