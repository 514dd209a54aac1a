package quest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/questboard/server/game/errs"
	"github.com/questboard/server/game/event"
	"github.com/questboard/server/game/history"
	"github.com/questboard/server/game/progression"
	"github.com/questboard/server/model"
	"github.com/questboard/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func nopLogger() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

type fixture struct {
	db     *gorm.DB
	ledger *history.Ledger
	events *event.Recorder
	svc    *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	ledger := history.New(db, nopLogger())
	rec := &event.Recorder{}
	prog := progression.NewService(db, nil, nopLogger())
	for _, id := range []string{"creator", "hero", "rival", "mod"} {
		testutil.CreateUser(t, db, id)
	}
	return &fixture{
		db:     db,
		ledger: ledger,
		events: rec,
		svc:    NewService(db, ledger, prog, rec, nopLogger()),
	}
}

var (
	creator = Actor{ID: "creator"}
	hero    = Actor{ID: "hero"}
	rival   = Actor{ID: "rival"}
	mod     = Actor{ID: "mod", Elevated: true}
)

func draft() Draft {
	return Draft{
		Title:       "Slay the Cellar Rats",
		Description: "The tavern cellar is overrun.",
		Difficulty:  "B",
		Category:    "combat",
		Tags:        []string{"rats", "tavern"},
	}
}

func (f *fixture) create(t *testing.T) *model.Quest {
	t.Helper()
	q, err := f.svc.Create(context.Background(), draft(), creator)
	require.NoError(t, err)
	return q
}

func (f *fixture) actions(t *testing.T, questID string) []model.HistoryAction {
	t.Helper()
	entries, err := f.ledger.ListForQuest(context.Background(), questID)
	require.NoError(t, err)
	out := make([]model.HistoryAction, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func assertConsistent(t *testing.T, q *model.Quest) {
	t.Helper()
	assert.GreaterOrEqual(t, q.CurrentParticipants, 0)
	assert.LessOrEqual(t, q.CurrentParticipants, q.MaxParticipants)
	switch q.Status {
	case model.QuestStatusAvailable:
		assert.Nil(t, q.AcceptedBy)
		assert.Nil(t, q.AcceptedAt)
		assert.Nil(t, q.CompletedAt)
	case model.QuestStatusInProgress:
		assert.NotNil(t, q.AcceptedBy)
		assert.NotNil(t, q.AcceptedAt)
		assert.Nil(t, q.CompletedAt)
	case model.QuestStatusCompleted:
		assert.NotNil(t, q.AcceptedBy)
		assert.NotNil(t, q.AcceptedAt)
		assert.NotNil(t, q.CompletedAt)
	}
}

// ---- Create ----

func TestCreate(t *testing.T) {
	f := setup(t)
	q := f.create(t)

	assert.Equal(t, model.QuestStatusAvailable, q.Status)
	assert.Equal(t, int64(100), q.RewardPoints)
	assert.Equal(t, "100 points", q.Reward)
	assert.Equal(t, "slay-the-cellar-rats", q.Slug)
	assert.Equal(t, 1, q.MaxParticipants)
	assert.Equal(t, 0, q.CurrentParticipants)
	assert.JSONEq(t, `["rats","tavern"]`, string(q.Tags))
	assertConsistent(t, q)

	assert.Equal(t, []model.HistoryAction{model.HistoryCreated}, f.actions(t, q.ID))
	assert.Equal(t, []event.Kind{event.KindQuestCreated}, f.events.Kinds())
}

func TestCreate_NormalizesDifficulty(t *testing.T) {
	f := setup(t)
	d := draft()
	d.Difficulty = " ss "
	q, err := f.svc.Create(context.Background(), d, creator)
	require.NoError(t, err)
	assert.Equal(t, model.DifficultySS, q.Difficulty)
	assert.Equal(t, int64(1000), q.RewardPoints)
}

func TestCreate_Validation(t *testing.T) {
	f := setup(t)
	cases := map[string]struct {
		mutate func(d *Draft)
		field  string
	}{
		"bad difficulty": {func(d *Draft) { d.Difficulty = "Z" }, "difficulty"},
		"blank title":    {func(d *Draft) { d.Title = "   " }, "title"},
		"long title":     {func(d *Draft) { d.Title = strings.Repeat("a", MaxTitleLength+1) }, "title"},
		"blank desc":     {func(d *Draft) { d.Description = "" }, "description"},
		"long desc":      {func(d *Draft) { d.Description = strings.Repeat("a", MaxDescriptionLength+1) }, "description"},
		"long category":  {func(d *Draft) { d.Category = strings.Repeat("c", MaxCategoryLength+1) }, "category"},
		"negative slots": {func(d *Draft) { d.MaxParticipants = -1 }, "max_participants"},
		"past deadline":  {func(d *Draft) { past := time.Now().Add(-time.Hour); d.Deadline = &past }, "deadline"},
		"long tag":       {func(d *Draft) { d.Tags = []string{strings.Repeat("t", MaxTagLength+1)} }, "tags"},
		"too many tags":  {func(d *Draft) { d.Tags = manyTags(MaxTags + 1) }, "tags"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			d := draft()
			tc.mutate(&d)
			_, err := f.svc.Create(context.Background(), d, creator)
			require.Error(t, err)
			var verr *errs.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Fields[0].Field)
			assert.True(t, errors.Is(err, errs.ErrValidation))
		})
	}
	var n int64
	f.db.Model(&model.Quest{}).Count(&n)
	assert.Zero(t, n)
	assert.Empty(t, f.events.Events())
}

func manyTags(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("tag%d", i)
	}
	return out
}

func TestCreate_UnknownCreator(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Create(context.Background(), draft(), Actor{ID: "ghost"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

// ---- Accept ----

func TestAccept(t *testing.T) {
	f := setup(t)
	q := f.create(t)

	got, err := f.svc.Accept(context.Background(), q.ID, hero)
	require.NoError(t, err)
	assert.Equal(t, model.QuestStatusInProgress, got.Status)
	require.NotNil(t, got.AcceptedBy)
	assert.Equal(t, "hero", *got.AcceptedBy)
	assert.Equal(t, 1, got.CurrentParticipants)
	assertConsistent(t, got)

	assert.Equal(t, []model.HistoryAction{model.HistoryCreated, model.HistoryAccepted}, f.actions(t, q.ID))
	evs := f.events.Events()
	require.Len(t, evs, 2)
	acc, ok := evs[1].(event.QuestAccepted)
	require.True(t, ok)
	assert.Equal(t, "hero", acc.AcceptorID)
}

func TestAccept_Errors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)

	_, err := f.svc.Accept(ctx, "missing", hero)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.svc.Accept(ctx, q.ID, creator)
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	_, err = f.svc.Accept(ctx, q.ID, Actor{ID: "ghost"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.svc.Accept(ctx, q.ID, hero)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, q.ID, rival)
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))

	assert.Equal(t, []model.HistoryAction{model.HistoryCreated, model.HistoryAccepted}, f.actions(t, q.ID))
}

func TestAccept_ConcurrentSingleSlot(t *testing.T) {
	f := setup(t)
	q := f.create(t)

	const n = 12
	for i := 0; i < n; i++ {
		testutil.CreateUser(t, f.db, fmt.Sprintf("racer-%d", i))
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.Accept(context.Background(), q.ID, Actor{ID: fmt.Sprintf("racer-%d", i)})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, errs.ErrInvalidTransition), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	got, err := f.svc.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentParticipants)
	assertConsistent(t, got)

	accepted, err := f.ledger.ListForQuest(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Len(t, accepted, 2)
}

// ---- Complete ----

func TestComplete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)
	_, err := f.svc.Accept(ctx, q.ID, hero)
	require.NoError(t, err)

	done, err := f.svc.Complete(ctx, q.ID, hero)
	require.NoError(t, err)
	assert.Equal(t, model.QuestStatusCompleted, done.Quest.Status)
	assertConsistent(t, &done.Quest)

	// 100 points from experience 0: level = floor(sqrt(1)) + 1
	assert.Equal(t, int64(100), done.Progress.User.Experience)
	assert.Equal(t, 2, done.Progress.NewLevel)
	assert.True(t, done.Progress.LeveledUp)
	require.Len(t, done.Achievements, 1)
	assert.Equal(t, "first_quest", done.Achievements[0].Code)

	entries, err := f.ledger.ListForQuest(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	last := entries[2]
	assert.Equal(t, model.HistoryCompleted, last.Action)
	require.NotNil(t, last.EarnedPoints)
	assert.Equal(t, int64(100), *last.EarnedPoints)
	assert.Equal(t, int64(100), *last.EarnedExperience)

	assert.Equal(t, []event.Kind{
		event.KindQuestCreated,
		event.KindQuestAccepted,
		event.KindQuestCompleted,
		event.KindLeveledUp,
		event.KindAchievementUnlocked,
	}, f.events.Kinds())
}

func TestComplete_Errors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)

	_, err := f.svc.Complete(ctx, "missing", hero)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.svc.Complete(ctx, q.ID, hero)
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition), "available quest")

	_, err = f.svc.Accept(ctx, q.ID, hero)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, q.ID, rival)
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	_, err = f.svc.Complete(ctx, q.ID, hero)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, q.ID, hero)
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition), "already completed")

	var u model.User
	require.NoError(t, f.db.First(&u, "id = ?", "hero").Error)
	assert.Equal(t, int64(100), u.Experience, "credited once")
}

// ---- Update ----

func TestUpdate_ByCreator(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)

	title, diff := "Slay the Giant Rats", "a"
	got, err := f.svc.Update(ctx, q.ID, Patch{Title: &title, Difficulty: &diff}, creator)
	require.NoError(t, err)
	assert.Equal(t, title, got.Title)
	assert.Equal(t, "slay-the-giant-rats", got.Slug)
	assert.Equal(t, model.DifficultyA, got.Difficulty)
	assert.Equal(t, int64(200), got.RewardPoints)
	assert.Equal(t, "200 points", got.Reward)

	entries, err := f.ledger.ListForQuest(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.HistoryUpdated, entries[1].Action)
	var details map[string]snapshot
	require.NoError(t, json.Unmarshal(entries[1].Details, &details))
	assert.Equal(t, "Slay the Cellar Rats", details["before"].Title)
	assert.Equal(t, int64(100), details["before"].RewardPoints)
	assert.Equal(t, title, details["after"].Title)
	assert.Equal(t, int64(200), details["after"].RewardPoints)
}

func TestUpdate_CustomRewardKept(t *testing.T) {
	f := setup(t)
	d := draft()
	d.Reward = "a barrel of ale"
	q, err := f.svc.Create(context.Background(), d, creator)
	require.NoError(t, err)

	diff := "E"
	got, err := f.svc.Update(context.Background(), q.ID, Patch{Difficulty: &diff}, creator)
	require.NoError(t, err)
	assert.Equal(t, "a barrel of ale", got.Reward)
	assert.Equal(t, int64(10), got.RewardPoints)
}

func TestUpdate_Permissions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)
	desc := "Rats everywhere."

	_, err := f.svc.Update(ctx, q.ID, Patch{Description: &desc}, rival)
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	got, err := f.svc.Update(ctx, q.ID, Patch{Description: &desc}, mod)
	require.NoError(t, err)
	assert.Equal(t, desc, got.Description)
	assert.Equal(t, "creator", got.CreatedBy)
}

func TestUpdate_DifficultyLockedOnceAccepted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)
	_, err := f.svc.Accept(ctx, q.ID, hero)
	require.NoError(t, err)

	diff := "S"
	_, err = f.svc.Update(ctx, q.ID, Patch{Difficulty: &diff}, creator)
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))

	cat := "pest control"
	got, err := f.svc.Update(ctx, q.ID, Patch{Category: &cat}, creator)
	require.NoError(t, err)
	assert.Equal(t, cat, got.Category)
	assert.Equal(t, model.QuestStatusInProgress, got.Status)
}

func TestUpdate_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)

	_, err := f.svc.Update(ctx, q.ID, Patch{}, creator)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	blank := " "
	_, err = f.svc.Update(ctx, q.ID, Patch{Title: &blank}, creator)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = f.svc.Update(ctx, "missing", Patch{Title: &blank}, creator)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	assert.Equal(t, []model.HistoryAction{model.HistoryCreated}, f.actions(t, q.ID))
}

func TestUpdate_Deadline(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)

	at := time.Now().Add(48 * time.Hour)
	got, err := f.svc.Update(ctx, q.ID, Patch{Deadline: &at}, creator)
	require.NoError(t, err)
	require.NotNil(t, got.Deadline)

	got, err = f.svc.Update(ctx, q.ID, Patch{ClearDeadline: true}, creator)
	require.NoError(t, err)
	assert.Nil(t, got.Deadline)
}

// ---- Delete ----

func TestDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)

	require.NoError(t, f.svc.Delete(ctx, q.ID, creator))
	_, err := f.svc.Get(ctx, q.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	// the ledger outlives the quest
	assert.Equal(t, []model.HistoryAction{model.HistoryCreated, model.HistoryDeleted}, f.actions(t, q.ID))
}

func TestDelete_Guards(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)

	assert.True(t, errors.Is(f.svc.Delete(ctx, q.ID, rival), errs.ErrForbidden))
	assert.True(t, errors.Is(f.svc.Delete(ctx, "missing", creator), errs.ErrNotFound))

	_, err := f.svc.Accept(ctx, q.ID, hero)
	require.NoError(t, err)
	assert.True(t, errors.Is(f.svc.Delete(ctx, q.ID, creator), errs.ErrInvalidTransition))
	assert.True(t, errors.Is(f.svc.Delete(ctx, q.ID, mod), errs.ErrInvalidTransition))

	got, err := f.svc.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuestStatusInProgress, got.Status)
	assert.Equal(t, []model.HistoryAction{model.HistoryCreated, model.HistoryAccepted}, f.actions(t, q.ID))
}

func TestDelete_ByElevated(t *testing.T) {
	f := setup(t)
	q := f.create(t)
	require.NoError(t, f.svc.Delete(context.Background(), q.ID, mod))
}

// ---- Abandon / ExpireOverdue ----

func TestAbandon(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)
	_, err := f.svc.Accept(ctx, q.ID, hero)
	require.NoError(t, err)

	_, err = f.svc.Abandon(ctx, q.ID, rival)
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	got, err := f.svc.Abandon(ctx, q.ID, hero)
	require.NoError(t, err)
	assert.Equal(t, model.QuestStatusAvailable, got.Status)
	assert.Equal(t, 0, got.CurrentParticipants)
	assertConsistent(t, got)

	_, err = f.svc.Abandon(ctx, q.ID, hero)
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))

	// the freed slot can be taken again
	_, err = f.svc.Accept(ctx, q.ID, rival)
	require.NoError(t, err)

	assert.Equal(t, []model.HistoryAction{
		model.HistoryCreated, model.HistoryAccepted, model.HistoryAbandoned, model.HistoryAccepted,
	}, f.actions(t, q.ID))

	var released *event.QuestReleased
	for _, ev := range f.events.Events() {
		if r, ok := ev.(event.QuestReleased); ok {
			released = &r
		}
	}
	require.NotNil(t, released)
	assert.Equal(t, "hero", released.UserID)
	assert.Equal(t, model.HistoryAbandoned, released.Reason)
}

func TestAbandon_ByElevated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t)
	_, err := f.svc.Accept(ctx, q.ID, hero)
	require.NoError(t, err)

	_, err = f.svc.Abandon(ctx, q.ID, mod)
	require.NoError(t, err)
	entries, err := f.ledger.ListForQuest(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "mod", entries[2].UserID)
	assert.JSONEq(t, `{"acceptor":"hero"}`, string(entries[2].Details))
}

func TestExpireOverdue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	d := draft()
	deadline := time.Now().Add(time.Hour)
	d.Deadline = &deadline
	overdue, err := f.svc.Create(ctx, d, creator)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, overdue.ID, hero)
	require.NoError(t, err)

	// accepted but no deadline
	open := f.create(t)
	_, err = f.svc.Accept(ctx, open.ID, rival)
	require.NoError(t, err)

	n, err := f.svc.ExpireOverdue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "deadline not reached")

	n, err = f.svc.ExpireOverdue(ctx, deadline.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuestStatusAvailable, got.Status)
	assertConsistent(t, got)

	failed, err := f.ledger.ListForUser(ctx, "hero", model.HistoryFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, overdue.ID, failed[0].QuestID)

	still, err := f.svc.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuestStatusInProgress, still.Status)
}

// ---- reads ----

func TestList(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.create(t)
	b := f.create(t)
	d := draft()
	d.Difficulty = "E"
	_, err := f.svc.Create(ctx, d, Actor{ID: "hero"})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, a.ID, hero)
	require.NoError(t, err)

	all, total, err := f.svc.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, all, 3)

	avail, total, err := f.svc.List(ctx, Filter{Status: model.QuestStatusAvailable, CreatedBy: "creator"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, b.ID, avail[0].ID)

	easy, _, err := f.svc.List(ctx, Filter{Difficulty: model.DifficultyE})
	require.NoError(t, err)
	require.Len(t, easy, 1)
	assert.Equal(t, "hero", easy[0].CreatedBy)

	mine, _, err := f.svc.List(ctx, Filter{AcceptedBy: "hero"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	page, total, err := f.svc.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 1)
}
