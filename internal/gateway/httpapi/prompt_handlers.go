package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"
)

// PromptUpdateRequest is the JSON body for PUT /v1/prompts/{key}.
type PromptUpdateRequest struct {
	Template string `json:"template"`
}

func (g *Gateway) handlePromptList(c *okapi.Context) error {
	entries, err := g.prompts.List()
	if err != nil {
		return g.fail(c, "", err)
	}
	return c.OK(entries)
}

func (g *Gateway) handlePromptGet(c *okapi.Context) error {
	entry, err := g.prompts.Get(c.Param("key"))
	if err != nil {
		return g.fail(c, "", err)
	}
	return c.OK(entry)
}

func (g *Gateway) handlePromptUpdate(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.sessions.IsAdmin(userID) {
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "admin rights required", Code: "forbidden"})
	}

	var req PromptUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	key := c.Param("key")
	entry, err := g.prompts.UpdateTemplate(key, req.Template)
	if err != nil {
		return g.fail(c, "", err)
	}

	g.logger.Info("prompt updated",
		slog.String("user_id", userID),
		slog.String("key", key),
	)
	return c.OK(entry)
}
