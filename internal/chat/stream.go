package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/insight/internal/animator"
	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/llm"
	"github.com/jkaninda/insight/internal/router"
)

// Animation modes.
const (
	AnimationSQL = "sql"   // pipeline events are streamed, no narration
	AnimationOn  = "true"  // pipeline events plus narration lines
	AnimationOff = "false" // plan and sql events are hidden
	routerModel  = "rule"
	stopReason   = "stop"
)

// Error codes carried by terminal error events.
const (
	CodeBudgetExceeded = "agent_budget_exceeded"
	CodeRouterBackend  = "router_backend_error"
	CodeBackend        = "backend_error"
	CodeInternal       = "internal_error"
)

// ErrorCode maps a turn failure to its stream error code.
func ErrorCode(err error) string {
	var re *RouterError
	switch {
	case budget.IsExceeded(err):
		return CodeBudgetExceeded
	case errors.As(err, &re):
		return CodeRouterBackend
	case domain.IsBackendError(err):
		return CodeBackend
	default:
		return CodeInternal
	}
}

// Event is one item of a chat stream. The last event of a stream is either
// "done" (Data carries content_full) or "error" (Data carries code and message).
type Event struct {
	Kind string         `json:"event"`
	Data map[string]any `json:"data"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool { return e.Kind == "done" || e.Kind == "error" }

// StreamOptions identify the stream in its meta and done events.
type StreamOptions struct {
	RequestID      string
	ConversationID string
}

// Stream is an unbounded event queue fed by a worker goroutine.
// Events pushed after the terminal event are dropped.
type Stream struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	notify chan struct{}
	onPush func(kind string)
}

func newStream(onPush func(string)) *Stream {
	return &Stream{notify: make(chan struct{}, 1), onPush: onPush}
}

func (s *Stream) push(kind string, data map[string]any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e := Event{Kind: kind, Data: data}
	s.items = append(s.items, e)
	if e.Terminal() {
		s.closed = true
	}
	s.mu.Unlock()
	if s.onPush != nil {
		s.onPush(kind)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks for the next event. It returns false once the terminal event
// has been consumed or ctx is done.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			e := s.items[0]
			s.items[0] = Event{}
			s.items = s.items[1:]
			s.mu.Unlock()
			return e, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Stream runs one turn in the background and returns its event stream:
// meta, pipeline events (plan, sql, rows, anim), reply deltas, then done
// or error. Cancelling ctx stops the worker.
func (s *Service) Stream(ctx context.Context, b *budget.RequestBudget, req *domain.ChatRequest, allowed []string, opts StreamOptions) *Stream {
	var onPush func(string)
	if s.Observer != nil {
		onPush = s.Observer.ObserveStreamEvent
	}
	st := newStream(onPush)
	go s.runStream(ctx, b, s.WithMarkdownPrompt(req), allowed, opts, st)
	return st
}

func (s *Service) runStream(ctx context.Context, b *budget.RequestBudget, req *domain.ChatRequest, allowed []string, opts StreamOptions, st *Stream) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("chat stream panic", slog.Any("panic", r))
			st.push("error", map[string]any{"code": CodeInternal, "message": fmt.Sprint(r)})
		}
	}()
	fail := func(err error) {
		if ErrorCode(err) == CodeRouterBackend {
			s.logger.ErrorContext(ctx, "router backend error", slog.String("error", err.Error()))
		}
		st.push("error", map[string]any{"code": ErrorCode(err), "message": err.Error()})
	}
	finish := func(text string) {
		seq := 0
		for _, line := range strings.SplitAfter(text, "\n") {
			if line == "" {
				continue
			}
			seq++
			st.push("delta", map[string]any{"seq": seq, "content": line})
		}
		st.push("done", doneData(opts, text, started))
	}

	last, hasUser := req.LastUserMessage()
	if hasUser {
		d, err := s.Route(ctx, b, req)
		if err != nil {
			fail(err)
			return
		}
		if d != nil && !d.Allow {
			st.push("meta", map[string]any{
				"request_id":      opts.RequestID,
				"provider":        ProviderRouter,
				"model":           routerModel,
				"conversation_id": opts.ConversationID,
				"route":           string(d.Route),
				"confidence":      d.Confidence,
			})
			finish(Deflection(d).Reply)
			return
		}
	}

	if !hasUser {
		s.streamChat(ctx, req, opts, st, started)
		return
	}

	provider := ProviderNL2SQL
	if router.IsSQLCommand(last.Content) {
		provider = s.Engine.Name() + "-sql"
	}
	st.push("meta", map[string]any{
		"request_id":      opts.RequestID,
		"provider":        provider,
		"model":           s.opts.Target.Model,
		"conversation_id": opts.ConversationID,
	})

	var narrator *animator.Narrator
	if s.opts.Animation == AnimationOn && s.Animator != nil {
		narrator = animator.NewNarrator(s.Animator, b)
	}
	sink := func(kind string, payload map[string]any) {
		st.push(kind, payload)
		narrator.Observe(ctx, kind, payload, func(msg string) {
			st.push("anim", map[string]any{"message": msg})
		})
	}

	resp, err := s.Completion(ctx, b, req, allowed, sink)
	if err != nil {
		fail(err)
		return
	}
	finish(resp.Reply)
}

// streamChat relays the chat model's deltas as they arrive.
func (s *Service) streamChat(ctx context.Context, req *domain.ChatRequest, opts StreamOptions, st *Stream, started time.Time) {
	st.push("meta", map[string]any{
		"request_id":      opts.RequestID,
		"provider":        s.Provider.Name(),
		"model":           s.opts.Target.Model,
		"conversation_id": opts.ConversationID,
	})

	events := make(chan llm.StreamEvent, 16)
	errc := make(chan error, 1)
	go func() { errc <- llm.AsStreaming(s.Provider).StreamMessage(ctx, toLLMRequest(req), events) }()

	var (
		full   strings.Builder
		seq    int
		failed error
	)
	for ev := range events {
		switch ev.Type {
		case llm.EventText:
			if ev.Content == "" {
				continue
			}
			seq++
			full.WriteString(ev.Content)
			st.push("delta", map[string]any{"seq": seq, "content": ev.Content})
		case llm.EventError:
			failed = ev.Error
		}
	}
	if err := <-errc; err != nil && failed == nil {
		failed = err
	}
	if failed != nil {
		st.push("error", map[string]any{"code": ErrorCode(failed), "message": failed.Error()})
		return
	}
	text := full.String()
	s.logCompletion(ctx, &domain.ChatResponse{Reply: text, Metadata: map[string]any{"provider": s.Provider.Name()}})
	st.push("done", doneData(opts, text, started))
}

func doneData(opts StreamOptions, text string, started time.Time) map[string]any {
	elapsed := max(time.Since(started).Seconds(), 1e-6)
	return map[string]any{
		"id":              opts.RequestID,
		"content_full":    text,
		"usage":           nil,
		"finish_reason":   stopReason,
		"elapsed_s":       math.Round(elapsed*1000) / 1000,
		"message_id":      nil,
		"conversation_id": opts.ConversationID,
	}
}

// ShouldPersist reports whether a stream event is stored in the
// conversation history for the given animation mode. Deltas, narration and
// terminal events are never stored; rows only when they are evidence.
func ShouldPersist(mode, kind string, data map[string]any) bool {
	switch kind {
	case "delta", "anim", "done", "error":
		return false
	case "rows":
		return data["purpose"] == "evidence"
	}
	if mode == AnimationOff {
		return kind == "meta"
	}
	return true
}

// ShouldSend reports whether a stream event is forwarded to the client.
func ShouldSend(mode, kind string) bool {
	return mode != AnimationOff || (kind != "sql" && kind != "plan")
}
