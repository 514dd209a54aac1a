package quest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/questboard/server/game/errs"
	"github.com/questboard/server/game/reward"
	"github.com/questboard/server/model"
	"gorm.io/datatypes"
)

const (
	MaxTitleLength       = 100
	MaxDescriptionLength = 1000
	MaxRewardLength      = 100
	MaxCategoryLength    = 50
	MaxTags              = 10
	MaxTagLength         = 30
)

// Draft is the caller input for a new quest.
type Draft struct {
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Difficulty      string     `json:"difficulty"`
	Reward          string     `json:"reward"`
	Category        string     `json:"category"`
	Tags            []string   `json:"tags"`
	Deadline        *time.Time `json:"deadline"`
	MaxParticipants int        `json:"max_participants"`
}

// Patch lists the mutable quest fields. Nil fields are left unchanged.
type Patch struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Reward      *string    `json:"reward"`
	Difficulty  *string    `json:"difficulty"`
	Category    *string    `json:"category"`
	Tags        *[]string  `json:"tags"`
	Deadline    *time.Time `json:"deadline"`
	// ClearDeadline removes the deadline; it wins over Deadline.
	ClearDeadline bool `json:"clear_deadline"`
}

func (p Patch) empty() bool {
	return p.Title == nil && p.Description == nil && p.Reward == nil &&
		p.Difficulty == nil && p.Category == nil && p.Tags == nil &&
		p.Deadline == nil && !p.ClearDeadline
}

func checkText(verr *errs.ValidationError, field, value string, max int, required bool) string {
	value = strings.TrimSpace(value)
	if required && value == "" {
		verr.Add(field, "must not be blank")
	}
	if utf8.RuneCountInString(value) > max {
		verr.Add(field, fmt.Sprintf("must be at most %d characters", max))
	}
	return value
}

func checkDifficulty(verr *errs.ValidationError, s string) model.Difficulty {
	d, ok := reward.ParseDifficulty(s)
	if !ok {
		verr.Add("difficulty", fmt.Sprintf("must be one of %v", reward.Difficulties))
	}
	return d
}

func checkTags(verr *errs.ValidationError, tags []string) datatypes.JSON {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		if utf8.RuneCountInString(t) > MaxTagLength {
			verr.Add("tags", fmt.Sprintf("tag %q exceeds %d characters", t, MaxTagLength))
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) > MaxTags {
		verr.Add("tags", fmt.Sprintf("at most %d tags allowed", MaxTags))
	}
	raw, _ := json.Marshal(out)
	return datatypes.JSON(raw)
}

func checkDeadline(verr *errs.ValidationError, deadline *time.Time, now time.Time) {
	if deadline != nil && !deadline.After(now) {
		verr.Add("deadline", "must be in the future")
	}
}

func defaultReward(points int64) string {
	return fmt.Sprintf("%d points", points)
}

// build validates d and returns the quest it describes, without identity or
// ownership fields.
func (d Draft) build(now time.Time) (*model.Quest, error) {
	verr := &errs.ValidationError{}
	q := &model.Quest{
		Title:       checkText(verr, "title", d.Title, MaxTitleLength, true),
		Description: checkText(verr, "description", d.Description, MaxDescriptionLength, true),
		Difficulty:  checkDifficulty(verr, d.Difficulty),
		Reward:      checkText(verr, "reward", d.Reward, MaxRewardLength, false),
		Category:    checkText(verr, "category", d.Category, MaxCategoryLength, false),
		Tags:        checkTags(verr, d.Tags),
		Deadline:    d.Deadline,
	}
	checkDeadline(verr, d.Deadline, now)
	switch {
	case d.MaxParticipants < 0:
		verr.Add("max_participants", "must be at least 1")
	case d.MaxParticipants == 0:
		q.MaxParticipants = 1
	default:
		q.MaxParticipants = d.MaxParticipants
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	q.RewardPoints = reward.Points(q.Difficulty)
	if q.Reward == "" {
		q.Reward = defaultReward(q.RewardPoints)
	}
	return q, nil
}

// changes validates p against the current quest and returns the column
// updates it implies. difficultyChanged reports a change of tier.
func (p Patch) changes(q *model.Quest, now time.Time) (updates map[string]interface{}, difficultyChanged bool, err error) {
	if p.empty() {
		return nil, false, errs.Invalid("patch", "no updatable fields given")
	}
	verr := &errs.ValidationError{}
	updates = map[string]interface{}{}
	if p.Title != nil {
		title := checkText(verr, "title", *p.Title, MaxTitleLength, true)
		updates["title"] = title
		updates["slug"] = makeSlug(title)
	}
	if p.Description != nil {
		updates["description"] = checkText(verr, "description", *p.Description, MaxDescriptionLength, true)
	}
	if p.Category != nil {
		updates["category"] = checkText(verr, "category", *p.Category, MaxCategoryLength, false)
	}
	if p.Tags != nil {
		updates["tags"] = checkTags(verr, *p.Tags)
	}
	if p.ClearDeadline {
		updates["deadline"] = nil
	} else if p.Deadline != nil {
		checkDeadline(verr, p.Deadline, now)
		updates["deadline"] = *p.Deadline
	}
	points := q.RewardPoints
	if p.Difficulty != nil {
		d := checkDifficulty(verr, *p.Difficulty)
		if d != q.Difficulty {
			difficultyChanged = true
			points = reward.Points(d)
			updates["difficulty"] = d
			updates["reward_points"] = points
		}
	}
	if p.Reward != nil {
		r := checkText(verr, "reward", *p.Reward, MaxRewardLength, false)
		if r == "" {
			r = defaultReward(points)
		}
		updates["reward"] = r
	} else if difficultyChanged && q.Reward == defaultReward(q.RewardPoints) {
		// keep a generated reward label in step with the new tier
		updates["reward"] = defaultReward(points)
	}
	if err := verr.OrNil(); err != nil {
		return nil, false, err
	}
	return updates, difficultyChanged, nil
}
