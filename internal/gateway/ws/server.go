// Package ws implements the WebSocket chat endpoint. Clients send chat
// requests as JSON frames and receive the same {event, data} envelopes as
// the SSE stream. One turn runs at a time per connection; a "cancel" frame
// stops it.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/insight/internal/chat"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/gateway"
	"github.com/jkaninda/insight/internal/ratelimit"
)

// Subprotocol is the WebSocket subprotocol name.
const Subprotocol = "insight-chat-v1"

const (
	defaultPingInterval = 30 * time.Second
	maxFrameBytes       = 1 << 20
)

// Frame types sent by the client.
const (
	FrameChat   = "chat"
	FrameCancel = "cancel"
)

// ClientFrame is one message from the client. Type defaults to "chat".
type ClientFrame struct {
	Type           string           `json:"type,omitempty"`
	Messages       []domain.Message `json:"messages,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	ExcludeTables  []string         `json:"exclude_tables,omitempty"`
}

// Authenticator resolves the caller of an upgrade request.
type Authenticator func(r *http.Request) (userID string, ok bool)

// Server upgrades connections and runs chat turns over them.
type Server struct {
	sessions     *gateway.Sessions
	auth         Authenticator
	limiter      *ratelimit.Limiter
	logger       *slog.Logger
	pingInterval time.Duration
	newRequestID func() string
}

// NewServer creates a WebSocket chat server.
func NewServer(sessions *gateway.Sessions, auth Authenticator, rl *ratelimit.Limiter, logger *slog.Logger) *Server {
	return &Server{
		sessions:     sessions,
		auth:         auth,
		limiter:      rl,
		logger:       logger,
		pingInterval: defaultPingInterval,
		newRequestID: func() string { return "chatws-" + uuid.NewString() },
	}
}

// WithPingInterval overrides the keepalive ping interval.
func (s *Server) WithPingInterval(d time.Duration) *Server {
	if d > 0 {
		s.pingInterval = d
	}
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.auth(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	s.handleConnection(r.Context(), conn, userID)
}

// connection serialises writes and tracks the running turn.
type connection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	turnMu     sync.Mutex
	cancelTurn context.CancelFunc
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, userID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &connection{conn: conn}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	go s.heartbeatLoop(ctx, c, userID)

	// Turns run one after another; frames arriving meanwhile queue up.
	turns := make(chan ClientFrame, 8)
	go func() {
		defer close(turns)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					s.logger.Info("websocket client disconnected", slog.String("user_id", userID))
				} else if ctx.Err() == nil {
					s.logger.Warn("websocket read error",
						slog.String("user_id", userID),
						slog.String("error", err.Error()),
					)
				}
				cancel()
				return
			}

			var frame ClientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				s.writeError(ctx, c, gateway.ErrInvalidBody)
				continue
			}
			if frame.Type == FrameCancel {
				c.cancel()
				continue
			}
			select {
			case turns <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	for frame := range turns {
		s.runTurn(ctx, c, userID, frame)
	}
}

func (s *Server) runTurn(ctx context.Context, c *connection, userID string, frame ClientFrame) {
	if frame.Type != "" && frame.Type != FrameChat {
		s.writeError(ctx, c, gateway.ErrInvalidBody)
		return
	}
	if err := s.limiter.Allow(userID); err != nil {
		s.writeError(ctx, c, err)
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.setCancel(cancel)
	defer c.setCancel(nil)

	turn, err := s.sessions.Begin(turnCtx, gateway.TurnRequest{
		UserID:         userID,
		ConversationID: frame.ConversationID,
		Messages:       frame.Messages,
		Metadata:       frame.Metadata,
		ExcludeTables:  frame.ExcludeTables,
	})
	if err != nil {
		s.writeError(ctx, c, err)
		return
	}

	requestID := s.newRequestID()
	s.logger.Info("websocket chat",
		slog.String("user_id", userID),
		slog.String("request_id", requestID),
		slog.String("conversation_id", turn.ConversationID),
	)

	st := s.sessions.Stream(turnCtx, turn, requestID)
	for {
		ev, ok := st.Next(turnCtx)
		if !ok {
			if errors.Is(turnCtx.Err(), context.Canceled) && ctx.Err() == nil {
				_ = s.writeEvent(ctx, c, chat.Event{Kind: "error", Data: map[string]any{
					"code":    "cancelled",
					"message": "turn cancelled",
				}})
			}
			return
		}
		out, send := turn.Deliver(turnCtx, ev)
		if send {
			if err := s.writeEvent(ctx, c, out); err != nil {
				return
			}
		}
		if ev.Terminal() {
			return
		}
	}
}

func (c *connection) setCancel(cancel context.CancelFunc) {
	c.turnMu.Lock()
	c.cancelTurn = cancel
	c.turnMu.Unlock()
}

func (c *connection) cancel() {
	c.turnMu.Lock()
	if c.cancelTurn != nil {
		c.cancelTurn()
	}
	c.turnMu.Unlock()
}

func (s *Server) writeError(ctx context.Context, c *connection, err error) {
	_, code := gateway.Classify(err)
	_ = s.writeEvent(ctx, c, chat.Event{Kind: "error", Data: map[string]any{
		"code":    code,
		"message": err.Error(),
	}})
}

func (s *Server) writeEvent(ctx context.Context, c *connection, ev chat.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) heartbeatLoop(ctx context.Context, c *connection, userID string) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				s.logger.Debug("websocket ping failed",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}
