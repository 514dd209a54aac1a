package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/questboard/server/game/errs"
	mw "github.com/questboard/server/middleware"
	"go.uber.org/zap"
)

// Error codes that only the socket protocol produces. Handler failures use
// the errs.Code values.
const (
	CodeMalformed   = "malformed"
	CodeUnknownType = "unknown_type"
	CodeReplayed    = "replayed"
)

const defaultHandlerTimeout = 10 * time.Second

// HandlerFunc processes a decoded client packet payload.
type HandlerFunc func(ctx context.Context, s *Session, payload json.RawMessage) error

// ErrorPayload is the body of an outbound "error" packet.
type ErrorPayload struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// Router dispatches client packets to registered handlers.
type Router struct {
	handlers map[string]HandlerFunc
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRouter creates a new Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		timeout:  defaultHandlerTimeout,
		logger:   logger,
	}
}

// SetTimeout bounds each handler call. Zero disables the bound.
func (r *Router) SetTimeout(d time.Duration) { r.timeout = d }

// On registers a HandlerFunc for the given message type.
func (r *Router) On(msgType string, fn HandlerFunc) {
	r.handlers[msgType] = fn
}

func (r *Router) reject(s *Session, typ, code, msg string) {
	s.Send("error", ErrorPayload{Type: typ, Code: code, Error: msg, TraceID: s.TraceID})
}

// Dispatch decodes raw bytes, validates seq, and invokes the handler.
// Every rejected or failed packet is answered with an "error" packet.
func (r *Router) Dispatch(s *Session, raw []byte) {
	s.TraceID = uuid.NewString()

	var pkt Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("malformed packet", zap.String("user_id", s.UserID), zap.Error(err))
		r.reject(s, "", CodeMalformed, "packet is not valid JSON")
		return
	}

	// Seq == 0 means the client does not track sequence numbers.
	if pkt.Seq != 0 && pkt.Seq <= s.LastSeq {
		r.logger.Warn("replayed or out-of-order packet",
			zap.String("user_id", s.UserID),
			zap.Uint64("seq", pkt.Seq),
			zap.Uint64("last_seq", s.LastSeq))
		r.reject(s, pkt.Type, CodeReplayed, "sequence number already seen")
		return
	}
	if pkt.Seq != 0 {
		s.LastSeq = pkt.Seq
	}

	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unhandled message type",
			zap.String("type", pkt.Type),
			zap.String("user_id", s.UserID))
		r.reject(s, pkt.Type, CodeUnknownType, "unknown message type")
		return
	}

	ctx := mw.WithTraceID(context.Background(), s.TraceID)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if err := fn(ctx, s, pkt.Payload); err != nil {
		code := errs.Code(err)
		log := r.logger.Warn
		if code == errs.CodeInternal {
			log = r.logger.Error
		}
		log("handler error",
			zap.String("type", pkt.Type),
			zap.String("code", code),
			zap.String("user_id", s.UserID),
			zap.String("trace_id", s.TraceID),
			zap.Error(err))
		r.reject(s, pkt.Type, code, err.Error())
	}
}

// TraceIDFromCtx extracts the trace ID from a handler context.
func TraceIDFromCtx(ctx context.Context) string {
	return mw.TraceIDFromContext(ctx)
}
