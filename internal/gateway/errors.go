package gateway

import (
	"errors"
	"net/http"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/chat"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/prompts"
	"github.com/jkaninda/insight/internal/ratelimit"
	"github.com/jkaninda/insight/internal/storage"
)

// ErrInvalidBody is returned when a request body cannot be decoded.
var ErrInvalidBody = errors.New("invalid request body")

// Error codes shared by every transport, in addition to the pipeline codes
// defined by package chat.
const (
	CodeInvalidRequest = "invalid_request"
	CodeRateLimited    = "rate_limited"
	CodeNotFound       = "not_found"
	CodeInvalidPrompt  = "invalid_prompt"
)

// Classify maps a request, storage or pipeline error to an HTTP status and
// an error code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	case budget.IsExceeded(err):
		return http.StatusTooManyRequests, chat.CodeBudgetExceeded
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, prompts.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrInvalidBody), errors.Is(err, ErrEmptyRequest), errors.Is(err, ErrInvalidConversation):
		return http.StatusBadRequest, CodeInvalidRequest
	}
	var pe *prompts.ValidationError
	if errors.As(err, &pe) {
		return http.StatusBadRequest, CodeInvalidPrompt
	}
	var re *chat.RouterError
	if errors.As(err, &re) || domain.IsBackendError(err) {
		return http.StatusBadGateway, chat.ErrorCode(err)
	}
	return http.StatusInternalServerError, chat.CodeInternal
}
