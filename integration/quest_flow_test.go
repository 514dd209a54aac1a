package integration

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/questboard/server/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedMail struct {
	to, template string
}

type captureMailer struct {
	mu   sync.Mutex
	sent []capturedMail
}

func (m *captureMailer) Send(_ context.Context, to, template string, _ map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, capturedMail{to: to, template: template})
	return nil
}

func (m *captureMailer) Sent() []capturedMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]capturedMail(nil), m.sent...)
}

func TestQuestBoardFullFlow(t *testing.T) {
	mails := &captureMailer{}
	ts := NewTestServer(t, mails)

	alice, _ := ts.DevLogin(t, UniqueID("alice"), "")
	bob, bobID := ts.DevLogin(t, UniqueID("bob"), "")

	resp := ts.Do(t, http.MethodPatch, "/api/me/preferences", map[string]bool{"notify_email": true}, bob)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	bobWS := ts.ConnectWS(t, bob)
	aliceWS := ts.ConnectWS(t, alice)

	// 1. Alice posts a quest; Bob hears about it.
	questID := ts.CreateQuest(t, alice, map[string]interface{}{
		"title":       "Clear the rat cellar",
		"description": "The tavern keeper is desperate",
		"difficulty":  "B",
		"category":    "extermination",
	})
	created := bobWS.RecvNotification(string(model.NotifyQuestCreated), 3*time.Second)
	assert.Equal(t, questID, created["related_id"])

	// 2. Bob accepts; Alice is told.
	resp = ts.PostJSON(t, "/api/quests/"+questID+"/accept", nil, bob)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	accepted := aliceWS.RecvNotification(string(model.NotifyQuestAccepted), 3*time.Second)
	assert.Contains(t, accepted["message"], "accepted")

	// 3. Bob completes; both sides are notified and Bob levels up.
	resp = ts.PostJSON(t, "/api/quests/"+questID+"/complete", nil, bob)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	aliceWS.RecvNotification(string(model.NotifyQuestCompleted), 3*time.Second)
	bobWS.RecvNotification(string(model.NotifyQuestCompleted), 3*time.Second)
	bobWS.RecvNotification(string(model.NotifyLevelUp), 3*time.Second)
	bobWS.RecvNotification(string(model.NotifyAchievementUnlocked), 3*time.Second)

	// 4. Profile reflects the reward.
	var profile struct {
		User model.User `json:"user"`
		Rank string     `json:"rank"`
	}
	ReadJSON(t, ts.Get(t, "/api/me", bob), &profile)
	assert.Equal(t, bobID, profile.User.ID)
	assert.Equal(t, int64(100), profile.User.Points)
	assert.Equal(t, 2, profile.User.Level)
	assert.Equal(t, int64(1), profile.User.QuestsCompleted)

	// 5. Bob rates the quest; the aggregate follows.
	resp = ts.Do(t, http.MethodPut, "/api/quests/"+questID+"/rating", map[string]interface{}{"rating": 5}, bob)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	var stats struct {
		AverageRating float64 `json:"average_rating"`
		TotalRatings  int64   `json:"total_ratings"`
	}
	ReadJSON(t, ts.Get(t, "/api/quests/"+questID+"/ratings/stats", alice), &stats)
	assert.Equal(t, 5.0, stats.AverageRating)
	assert.Equal(t, int64(1), stats.TotalRatings)

	// 6. Bob's inbox via the socket.
	bobWS.Send("unread_count", nil)
	count := bobWS.RecvType("unread_count", 2*time.Second)
	unread := count["unread"].(float64)
	assert.GreaterOrEqual(t, unread, float64(4))

	bobWS.Send("mark_all_read", nil)
	bobWS.RecvType("all_read", 2*time.Second)
	var c struct {
		Unread int64 `json:"unread"`
	}
	ReadJSON(t, ts.Get(t, "/api/notifications/unread-count", bob), &c)
	assert.Zero(t, c.Unread)

	// 7. Bob opted in to email, Alice did not.
	require.Eventually(t, func() bool { return len(mails.Sent()) > 0 }, 2*time.Second, 20*time.Millisecond)
	for _, m := range mails.Sent() {
		assert.True(t, strings.HasPrefix(m.to, "bob_"), "unexpected recipient %s", m.to)
	}
}

func TestConcurrentAcceptOverHTTP(t *testing.T) {
	ts := NewTestServer(t, nil)
	alice, _ := ts.DevLogin(t, UniqueID("alice"), "")
	questID := ts.CreateQuest(t, alice, map[string]interface{}{
		"title": "Single seat", "description": "Only one may go", "difficulty": "E",
	})

	const n = 8
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i], _ = ts.DevLogin(t, UniqueID("hero"), "")
	}

	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := ts.PostJSON(t, "/api/quests/"+questID+"/accept", nil, tokens[i])
			codes[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			wins++
		case http.StatusConflict:
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	assert.Equal(t, 1, wins)

	var q model.Quest
	require.NoError(t, ts.DB.Where("id = ?", questID).First(&q).Error)
	assert.Equal(t, 1, q.CurrentParticipants)
	assert.Equal(t, model.QuestStatusInProgress, q.Status)
}

func TestOverdueSweepReleasesQuest(t *testing.T) {
	ts := NewTestServer(t, nil)
	alice, _ := ts.DevLogin(t, UniqueID("alice"), "")
	bob, _ := ts.DevLogin(t, UniqueID("bob"), "")
	mod, _ := ts.DevLogin(t, UniqueID("mod"), "moderator")

	questID := ts.CreateQuest(t, alice, map[string]interface{}{
		"title": "Beat the clock", "description": "Hurry", "difficulty": "C",
		"deadline": time.Now().Add(time.Hour),
	})
	resp := ts.PostJSON(t, "/api/quests/"+questID+"/accept", nil, bob)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	aliceWS := ts.ConnectWS(t, alice)

	// move the deadline into the past
	require.NoError(t, ts.DB.Model(&model.Quest{}).Where("id = ?", questID).
		Update("deadline", time.Now().Add(-time.Minute)).Error)

	resp = ts.PostJSON(t, "/api/admin/expire-overdue", nil, mod)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sweep map[string]interface{}
	ReadJSON(t, resp, &sweep)
	assert.Equal(t, float64(1), sweep["released"])

	released := aliceWS.RecvNotification(string(model.NotifyQuestReleased), 3*time.Second)
	assert.Contains(t, released["message"], "deadline")

	var history struct {
		History []model.HistoryEntry `json:"history"`
	}
	ReadJSON(t, ts.Get(t, "/api/quests/"+questID+"/history", alice), &history)
	require.Len(t, history.History, 3)
	assert.Equal(t, model.HistoryFailed, history.History[2].Action)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := NewTestServer(t, nil)
	resp := ts.Get(t, "/health", "")
	resp.Body.Close()

	resp = ts.Get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "questboard_http_requests_total")
}

func TestAnnouncementReachesSockets(t *testing.T) {
	ts := NewTestServer(t, nil)
	alice, _ := ts.DevLogin(t, UniqueID("alice"), "")
	mod, _ := ts.DevLogin(t, UniqueID("mod"), "moderator")
	aliceWS := ts.ConnectWS(t, alice)

	resp := ts.PostJSON(t, "/api/announce", map[string]string{"message": "hi"}, alice)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = ts.PostJSON(t, "/api/announce", map[string]string{"message": "Guild hall closes at dusk"}, mod)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	got := aliceWS.RecvType("announce", 3*time.Second)
	assert.Equal(t, "Guild hall closes at dusk", got["value"])
}

func TestAdminRunsMaintenanceTask(t *testing.T) {
	ts := NewTestServer(t, nil)
	mod, _ := ts.DevLogin(t, UniqueID("mod"), "moderator")

	resp := ts.PostJSON(t, "/api/admin/tasks/rate_limit_sweep/run", nil, mod)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var status struct {
		Tasks []struct {
			Name string `json:"name"`
			Runs int64  `json:"runs"`
		} `json:"tasks"`
	}
	ReadJSON(t, ts.Get(t, "/api/admin/status", mod), &status)
	require.Len(t, status.Tasks, 1)
	assert.Equal(t, "rate_limit_sweep", status.Tasks[0].Name)
	assert.Equal(t, int64(1), status.Tasks[0].Runs)
}
