package httpapi

import (
	"log/slog"

	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/gateway"
	"github.com/jkaninda/okapi"
)

// ChatRequest is the JSON body for POST /v1/chat/completions and /v1/chat/stream.
type ChatRequest struct {
	Messages       []domain.Message `json:"messages"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"` // Empty = new conversation.
	// ExcludeTables replaces the conversation's exclusions when present.
	ExcludeTables []string `json:"exclude_tables,omitempty"`
}

// ChatResponse is the JSON response for POST /v1/chat/completions.
type ChatResponse struct {
	ID             string         `json:"id"`
	Object         string         `json:"object"`
	ConversationID string         `json:"conversation_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	Reply          string         `json:"reply"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (r *ChatRequest) turn(userID string) gateway.TurnRequest {
	return gateway.TurnRequest{
		UserID:         userID,
		ConversationID: r.ConversationID,
		Messages:       r.Messages,
		Metadata:       r.Metadata,
		ExcludeTables:  r.ExcludeTables,
	}
}

// begin authenticates, rate limits and binds the request to its conversation.
func (g *Gateway) begin(c *okapi.Context, requestID string) (*gateway.Turn, error) {
	userID := c.GetString("userID")
	if err := g.allow(c, userID); err != nil {
		return nil, err
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return nil, gateway.ErrInvalidBody
	}

	g.logger.Info("http chat",
		slog.String("user_id", userID),
		slog.String("request_id", requestID),
		slog.String("conversation_id", req.ConversationID),
		slog.Int("messages", len(req.Messages)),
	)
	return g.sessions.Begin(c.Context(), req.turn(userID))
}

func (g *Gateway) handleCompletion(c *okapi.Context) error {
	requestID := newRequestID()
	turn, err := g.begin(c, requestID)
	if err != nil {
		return g.fail(c, requestID, err)
	}

	resp, messageID, err := g.sessions.Respond(c.Context(), turn)
	if err != nil {
		return g.fail(c, requestID, err)
	}

	return c.OK(ChatResponse{
		ID:             requestID,
		Object:         "chat.completion",
		ConversationID: turn.ConversationID,
		MessageID:      messageID,
		Reply:          resp.Reply,
		Metadata:       resp.Metadata,
	})
}

// handleStream handles POST /v1/chat/stream with SSE responses. Request
// errors are returned as JSON before the stream opens; pipeline errors
// arrive as a terminal "error" event.
func (g *Gateway) handleStream(c *okapi.Context) error {
	requestID := newRequestID()
	turn, err := g.begin(c, requestID)
	if err != nil {
		return g.fail(c, requestID, err)
	}

	ctx := c.Context()
	st := g.sessions.Stream(ctx, turn, requestID)
	for {
		ev, ok := st.Next(ctx)
		if !ok {
			return nil
		}
		out, send := turn.Deliver(ctx, ev)
		if send {
			c.SSEvent(out.Kind, out.Data)
		}
		if ev.Terminal() {
			return nil
		}
	}
}
