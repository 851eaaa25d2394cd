package llm

import "context"

// Stream event kinds.
const (
	EventText  = "text"
	EventDone  = "done"
	EventError = "error"
)

// StreamEvent is one increment of a streamed answer. Exactly one EventDone
// or EventError ends every stream.
type StreamEvent struct {
	Type    string
	Content string // delta text, EventText only
	Error   error  // EventError only
}

// StreamingProvider is a Provider that can deliver its answer incrementally.
type StreamingProvider interface {
	Provider
	// StreamMessage writes events to the channel and closes it when the
	// stream ends. The returned error matches the EventError sent, if any.
	StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error
}

// NonStreamingAdapter delivers a Provider's full answer as a single text event.
type NonStreamingAdapter struct {
	Provider
}

func (a *NonStreamingAdapter) StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error {
	defer close(events)

	resp, err := a.SendMessage(ctx, req)
	if err != nil {
		events <- StreamEvent{Type: EventError, Error: err}
		return err
	}
	if resp.Content != "" {
		events <- StreamEvent{Type: EventText, Content: resp.Content}
	}
	events <- StreamEvent{Type: EventDone}
	return nil
}

// AsStreaming returns p when it streams natively and wraps it otherwise.
func AsStreaming(p Provider) StreamingProvider {
	if sp, ok := p.(StreamingProvider); ok {
		return sp
	}
	return &NonStreamingAdapter{Provider: p}
}
