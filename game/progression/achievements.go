package progression

import "github.com/questboard/server/model"

// Achievement is a fixed unlockable milestone.
type Achievement struct {
	Code  string `json:"code"`
	Title string `json:"title"`
	// Met reports whether the user's current totals satisfy the achievement.
	Met func(u *model.User) bool `json:"-"`
}

// Catalog lists every achievement in unlock-check order.
var Catalog = []Achievement{
	{Code: "first_quest", Title: "First Steps", Met: func(u *model.User) bool { return u.QuestsCompleted >= 1 }},
	{Code: "quest_veteran", Title: "Seasoned Adventurer", Met: func(u *model.User) bool { return u.QuestsCompleted >= 10 }},
	{Code: "quest_master", Title: "Quest Master", Met: func(u *model.User) bool { return u.QuestsCompleted >= 50 }},
	{Code: "level_10", Title: "Rising Star", Met: func(u *model.User) bool { return u.Level >= 10 }},
	{Code: "point_hoarder", Title: "Treasure Hoarder", Met: func(u *model.User) bool { return u.Points >= 1000 }},
}

// Lookup returns the catalog entry for code.
func Lookup(code string) (Achievement, bool) {
	for _, a := range Catalog {
		if a.Code == code {
			return a, true
		}
	}
	return Achievement{}, false
}
