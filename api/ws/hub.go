package ws

import (
	"sync"
	"time"

	"github.com/questboard/server/metrics"
	"go.uber.org/zap"
)

// Hub tracks connected notification sockets. A user may hold several at
// once (one per tab or device).
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session // userID → sessionID → session
	logger   *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{sessions: make(map[string]map[string]*Session), logger: logger}
}

// Register adds s.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byID, ok := h.sessions[s.UserID]
	if !ok {
		byID = make(map[string]*Session)
		h.sessions[s.UserID] = byID
	}
	if _, dup := byID[s.ID]; !dup {
		metrics.LiveStreams.WithLabelValues("ws").Inc()
	}
	byID[s.ID] = s
	h.logger.Debug("ws session registered", zap.String("user_id", s.UserID), zap.String("session_id", s.ID))
}

// Unregister removes s.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if byID, ok := h.sessions[s.UserID]; ok {
		if _, present := byID[s.ID]; present {
			metrics.LiveStreams.WithLabelValues("ws").Dec()
		}
		delete(byID, s.ID)
		if len(byID) == 0 {
			delete(h.sessions, s.UserID)
		}
	}
	h.logger.Debug("ws session unregistered", zap.String("user_id", s.UserID), zap.String("session_id", s.ID))
}

// IsOnline reports whether the user has at least one open socket.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// Count returns the number of open sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, byID := range h.sessions {
		n += len(byID)
	}
	return n
}

// CloseAll closes every socket and waits up to maxWait for their handlers
// to unregister.
func (h *Hub) CloseAll(maxWait time.Duration) {
	h.mu.RLock()
	var all []*Session
	for _, byID := range h.sessions {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	h.logger.Info("closing all ws sessions", zap.Int("count", len(all)))
	for _, s := range all {
		s.Close()
	}

	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) && h.Count() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
}
