// Package reward holds the deterministic reward and progression tables:
// difficulty to points, experience to level, and (level, points) to rank.
package reward

import (
	"fmt"
	"math"
	"strings"

	"github.com/questboard/server/model"
)

// points is indexed by difficulty tier.
var points = map[model.Difficulty]int64{
	model.DifficultyE:  10,
	model.DifficultyD:  25,
	model.DifficultyC:  50,
	model.DifficultyB:  100,
	model.DifficultyA:  200,
	model.DifficultyS:  500,
	model.DifficultySS: 1000,
}

// Difficulties lists every tier in ascending order.
var Difficulties = []model.Difficulty{
	model.DifficultyE, model.DifficultyD, model.DifficultyC, model.DifficultyB,
	model.DifficultyA, model.DifficultyS, model.DifficultySS,
}

// ParseDifficulty normalizes s and reports whether it names a known tier.
func ParseDifficulty(s string) (model.Difficulty, bool) {
	d := model.Difficulty(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := points[d]
	return d, ok
}

// Points returns the reward points for a difficulty. Unknown tiers are
// rejected at quest creation and never reach this function; they map to 0.
func Points(d model.Difficulty) int64 {
	return points[d]
}

// ExperiencePerLevelStep scales the level curve: level = floor(sqrt(exp/100)) + 1.
const ExperiencePerLevelStep = 100

// LevelFor returns the level reached with the given total experience.
func LevelFor(experience int64) int {
	if experience <= 0 {
		return 1
	}
	steps := experience / ExperiencePerLevelStep
	root := int64(math.Sqrt(float64(steps)))
	// correct float rounding at perfect squares
	for root*root > steps {
		root--
	}
	for (root+1)*(root+1) <= steps {
		root++
	}
	return int(root) + 1
}

// ExperienceForLevel returns the minimum experience needed to reach level.
func ExperienceForLevel(level int) int64 {
	if level <= 1 {
		return 0
	}
	n := int64(level - 1)
	return n * n * ExperiencePerLevelStep
}

// Rank is a progression label derived from level and points.
type Rank string

const (
	RankNovice     Rank = "novice"
	RankApprentice Rank = "apprentice"
	RankVeteran    Rank = "veteran"
	RankExpert     Rank = "expert"
	RankMaster     Rank = "master"
	RankLegend     Rank = "legend"
)

type rankThreshold struct {
	rank   Rank
	level  int
	points int64
}

// rankThresholds is ordered highest first; the first match wins.
var rankThresholds = []rankThreshold{
	{RankLegend, 50, 10000},
	{RankMaster, 30, 5000},
	{RankExpert, 20, 2000},
	{RankVeteran, 10, 500},
	{RankApprentice, 5, 100},
}

// RankFor derives the rank for a level and point total.
func RankFor(level int, pts int64) Rank {
	for _, t := range rankThresholds {
		if level >= t.level && pts >= t.points {
			return t.rank
		}
	}
	return RankNovice
}

var milestones = map[int]string{
	5:  "Apprentice's Badge",
	10: "Veteran's Cloak",
	20: "Expert's Compass",
	30: "Master's Seal",
	50: "Legendary Crest",
}

// MilestoneReward returns the reward text attached to reaching level, or a
// generic message for levels without a milestone.
func MilestoneReward(level int) string {
	if item, ok := milestones[level]; ok {
		return fmt.Sprintf("Milestone reached: %s unlocked", item)
	}
	return fmt.Sprintf("Reached level %d", level)
}

// LevelUpReward describes a climb from level from to level to, naming every
// milestone in (from, to] in ascending order.
func LevelUpReward(from, to int) string {
	var items []string
	for lvl := from + 1; lvl <= to; lvl++ {
		if item, ok := milestones[lvl]; ok {
			items = append(items, item)
		}
	}
	switch len(items) {
	case 0:
		return fmt.Sprintf("Reached level %d", to)
	case 1:
		return fmt.Sprintf("Milestone reached: %s unlocked", items[0])
	}
	return fmt.Sprintf("Milestones reached: %s unlocked", strings.Join(items, ", "))
}
