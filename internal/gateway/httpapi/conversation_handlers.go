package httpapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/insight/internal/gateway"
	"github.com/jkaninda/insight/internal/storage"
	"github.com/jkaninda/okapi"
)

const conversationListLimit = 100

// **** Conversation request/response types ****

// ConversationResponse is the JSON summary of one conversation.
type ConversationResponse struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	ExcludedTables []string  `json:"excluded_tables"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConversationDetailResponse adds the stored messages and pipeline events.
type ConversationDetailResponse struct {
	ConversationResponse
	Messages []storage.Message `json:"messages"`
	Events   []storage.Event   `json:"events"`
}

// ExcludedTablesRequest is the JSON body for PUT /v1/conversations/{id}/excluded-tables.
type ExcludedTablesRequest struct {
	Tables []string `json:"tables"`
}

func toConversationResponse(conv *storage.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:             conv.ID.String(),
		Title:          conv.Title,
		ExcludedTables: conv.ExcludedTables,
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}
}

// **** Handlers ****

func (g *Gateway) handleConversationList(c *okapi.Context) error {
	userID := c.GetString("userID")
	convs, err := g.sessions.Store.ListConversations(c.Context(), userID, conversationListLimit)
	if err != nil {
		return g.fail(c, "", err)
	}
	resp := make([]ConversationResponse, len(convs))
	for i := range convs {
		resp[i] = toConversationResponse(&convs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleConversationGet(c *okapi.Context) error {
	userID := c.GetString("userID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return g.fail(c, "", gateway.ErrInvalidConversation)
	}

	ctx := c.Context()
	conv, err := g.sessions.Store.GetConversation(ctx, id, userID)
	if err != nil {
		return g.fail(c, "", err)
	}
	msgs, err := g.sessions.Store.Messages(ctx, id, 0)
	if err != nil {
		return g.fail(c, "", err)
	}
	events, err := g.sessions.Store.Events(ctx, id)
	if err != nil {
		return g.fail(c, "", err)
	}

	return c.OK(ConversationDetailResponse{
		ConversationResponse: toConversationResponse(conv),
		Messages:             msgs,
		Events:               events,
	})
}

func (g *Gateway) handleExcludedTables(c *okapi.Context) error {
	userID := c.GetString("userID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return g.fail(c, "", gateway.ErrInvalidConversation)
	}

	var req ExcludedTablesRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	ctx := c.Context()
	if err := g.sessions.Store.SetExcludedTables(ctx, id, userID, req.Tables); err != nil {
		return g.fail(c, "", err)
	}
	conv, err := g.sessions.Store.GetConversation(ctx, id, userID)
	if err != nil {
		return g.fail(c, "", err)
	}
	return c.OK(toConversationResponse(conv))
}

func (g *Gateway) handleConversationDelete(c *okapi.Context) error {
	userID := c.GetString("userID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return g.fail(c, "", gateway.ErrInvalidConversation)
	}
	if err := g.sessions.Store.DeleteConversation(c.Context(), id, userID); err != nil {
		return g.fail(c, "", err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}
