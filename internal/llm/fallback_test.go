package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/insight/internal/domain"
)

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (s *stubProvider) SendMessage(_ context.Context, _ *Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Content: s.name}, nil
}

func (s *stubProvider) Name() string { return s.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFallback_NextOnBackendError(t *testing.T) {
	primary := &stubProvider{name: "api", err: &domain.BackendError{Message: "down"}}
	secondary := &stubProvider{name: "local"}
	f := NewFallbackProvider([]Provider{primary, secondary}, discardLogger())

	resp, err := f.SendMessage(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "local" {
		t.Errorf("expected secondary answer, got %q", resp.Content)
	}
	if f.Name() != "api+fallback" {
		t.Errorf("unexpected name %q", f.Name())
	}
}

func TestFallback_OtherErrorsStop(t *testing.T) {
	boom := errors.New("bad request")
	primary := &stubProvider{name: "api", err: boom}
	secondary := &stubProvider{name: "local"}
	f := NewFallbackProvider([]Provider{primary, secondary}, discardLogger())

	if _, err := f.SendMessage(context.Background(), &Request{}); !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if secondary.calls != 0 {
		t.Error("secondary must not be called")
	}
}

func TestFallback_AllFailKeepsBackendError(t *testing.T) {
	f := NewFallbackProvider([]Provider{
		&stubProvider{name: "a", err: &domain.BackendError{Message: "a"}},
		&stubProvider{name: "b", err: &domain.BackendError{Message: "b"}},
	}, discardLogger())

	_, err := f.SendMessage(context.Background(), &Request{})
	if !domain.IsBackendError(err) {
		t.Fatalf("expected wrapped BackendError, got %v", err)
	}
}

func TestAsStreaming_WrapsPlainProvider(t *testing.T) {
	sp := AsStreaming(&stubProvider{name: "x"})
	events := make(chan StreamEvent, 4)
	if err := sp.StreamMessage(context.Background(), &Request{}, events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []string
	for ev := range events {
		got = append(got, ev.Type+":"+ev.Content)
	}
	if len(got) != 2 || got[0] != "text:x" || got[1] != "done:" {
		t.Errorf("unexpected events %v", got)
	}
}

// --- Cooldown ---

func TestFallback_CooldownSkipsFailedBackend(t *testing.T) {
	primary := &stubProvider{name: "api", err: &domain.BackendError{Message: "down"}}
	secondary := &stubProvider{name: "local"}
	f := NewFallbackProvider([]Provider{primary, secondary}, discardLogger())
	now := time.Unix(1_700_000_000, 0)
	f.now = func() time.Time { return now }

	for range 3 {
		if _, err := f.SendMessage(context.Background(), &Request{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if primary.calls != 1 {
		t.Errorf("primary calls during cooldown = %d, want 1", primary.calls)
	}

	now = now.Add(DefaultFallbackCooldown + time.Second)
	primary.err = nil
	resp, err := f.SendMessage(context.Background(), &Request{})
	if err != nil || resp.Content != "api" {
		t.Fatalf("after cooldown = %v, %v", resp, err)
	}
}

// --- Streaming ---

type stubStreamer struct {
	stubProvider
	chunks   []string
	errAfter error
}

func (s *stubStreamer) StreamMessage(_ context.Context, _ *Request, events chan<- StreamEvent) error {
	defer close(events)
	s.calls++
	for _, c := range s.chunks {
		events <- StreamEvent{Type: EventText, Content: c}
	}
	if s.errAfter != nil {
		events <- StreamEvent{Type: EventError, Error: s.errAfter}
		return s.errAfter
	}
	events <- StreamEvent{Type: EventDone}
	return nil
}

func collect(t *testing.T, f *FallbackProvider) (string, StreamEvent, error) {
	t.Helper()
	events := make(chan StreamEvent, 32)
	err := f.StreamMessage(context.Background(), &Request{}, events)
	var text string
	var last StreamEvent
	for ev := range events {
		if ev.Type == EventText {
			text += ev.Content
		}
		last = ev
	}
	return text, last, err
}

func TestFallbackStream_NextBeforeFirstChunk(t *testing.T) {
	primary := &stubStreamer{stubProvider: stubProvider{name: "api"}, errAfter: &domain.BackendError{Message: "down"}}
	secondary := &stubStreamer{stubProvider: stubProvider{name: "local"}, chunks: []string{"Bon", "jour"}}
	f := NewFallbackProvider([]Provider{primary, secondary}, discardLogger())

	text, last, err := collect(t, f)
	if err != nil || text != "Bonjour" || last.Type != EventDone {
		t.Fatalf("text = %q, last = %+v, err = %v", text, last, err)
	}
}

func TestFallbackStream_NoRetryAfterChunk(t *testing.T) {
	primary := &stubStreamer{stubProvider: stubProvider{name: "api"}, chunks: []string{"partial"}, errAfter: &domain.BackendError{Message: "reset"}}
	secondary := &stubStreamer{stubProvider: stubProvider{name: "local"}, chunks: []string{"other"}}
	f := NewFallbackProvider([]Provider{primary, secondary}, discardLogger())

	text, last, err := collect(t, f)
	if !domain.IsBackendError(err) || last.Type != EventError {
		t.Fatalf("last = %+v, err = %v", last, err)
	}
	if text != "partial" || secondary.calls != 0 {
		t.Errorf("text = %q, secondary calls = %d", text, secondary.calls)
	}
}

func TestFallbackStream_PlainProvidersAreAdapted(t *testing.T) {
	f := NewFallbackProvider([]Provider{
		&stubProvider{name: "api", err: &domain.BackendError{Message: "down"}},
		&stubProvider{name: "local"},
	}, discardLogger())

	text, last, err := collect(t, f)
	if err != nil || text != "local" || last.Type != EventDone {
		t.Fatalf("text = %q, last = %+v, err = %v", text, last, err)
	}
}
