package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/questboard/server/game/errs"
	"github.com/questboard/server/game/notify"
)

// RegisterInboxHandlers wires the client → server inbox packets:
//
//	ping           → pong {client_ts, server_ts}
//	unread_count   → unread_count {unread}
//	mark_read {id} → notification_read {notification}
//	mark_all_read  → all_read {marked}
func RegisterInboxHandlers(r *Router, inbox *notify.Inbox) {
	r.On("ping", func(_ context.Context, s *Session, raw json.RawMessage) error {
		var req struct {
			ClientTS int64 `json:"client_ts"`
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &req)
		}
		s.Send("pong", map[string]int64{"client_ts": req.ClientTS, "server_ts": time.Now().UnixMilli()})
		return nil
	})

	r.On("unread_count", func(ctx context.Context, s *Session, _ json.RawMessage) error {
		n, err := inbox.UnreadCount(ctx, s.UserID)
		if err != nil {
			return err
		}
		s.Send("unread_count", map[string]int64{"unread": n})
		return nil
	})

	r.On("mark_read", func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
			return errs.Invalid("id", "required")
		}
		n, err := inbox.MarkRead(ctx, s.UserID, req.ID)
		if err != nil {
			return err
		}
		s.Send("notification_read", map[string]interface{}{"notification": n})
		return nil
	})

	r.On("mark_all_read", func(ctx context.Context, s *Session, _ json.RawMessage) error {
		changed, err := inbox.MarkAllRead(ctx, s.UserID)
		if err != nil {
			return err
		}
		s.Send("all_read", map[string]int64{"marked": changed})
		return nil
	})
}
