package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/insight/internal/domain"
)

// DefaultFallbackCooldown is how long a failed backend is skipped.
const DefaultFallbackCooldown = 30 * time.Second

// FallbackProvider tries its backends in order, typically the remote API
// first and the local vLLM server second. Only a *domain.BackendError moves
// on to the next backend; cancellation and request errors are returned as-is.
// A backend that failed is skipped for the cooldown unless every backend is
// cooling down.
type FallbackProvider struct {
	providers []Provider
	cooldown  time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	downUntil map[int]time.Time
	now       func() time.Time
}

// NewFallbackProvider chains providers. At least one is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	return &FallbackProvider{
		providers: providers,
		cooldown:  DefaultFallbackCooldown,
		logger:    logger,
		downUntil: make(map[int]time.Time),
		now:       time.Now,
	}
}

// WithCooldown overrides the skip period after a failure; 0 disables it.
func (f *FallbackProvider) WithCooldown(d time.Duration) *FallbackProvider {
	f.cooldown = d
	return f
}

// Name returns the primary provider name suffixed with "+fallback".
func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}

// SendMessage returns the first successful response.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	order := f.order()
	for n, i := range order {
		p := f.providers[i]
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			f.markUp(ctx, i, n)
			return resp, nil
		}
		if !f.shouldFallThrough(ctx, err) {
			return nil, err
		}
		lastErr = err
		f.markDown(ctx, i, err, len(order)-n-1)
	}
	return nil, fmt.Errorf("all %d llm backends failed: %w", len(f.providers), lastErr)
}

// StreamMessage streams from the first backend that answers. A backend that
// fails after it has emitted text is not retried, since the caller has
// already forwarded part of its answer.
func (f *FallbackProvider) StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error {
	defer close(events)

	var lastErr error
	order := f.order()
	for n, i := range order {
		inner := make(chan StreamEvent, 16)
		errc := make(chan error, 1)
		go func() { errc <- AsStreaming(f.providers[i]).StreamMessage(ctx, req, inner) }()

		emitted := false
		var streamErr error
		for ev := range inner {
			switch ev.Type {
			case EventText:
				emitted = true
				events <- ev
			case EventError:
				streamErr = ev.Error
			}
		}
		err := <-errc
		if err == nil {
			err = streamErr
		}

		if err == nil {
			f.markUp(ctx, i, n)
			events <- StreamEvent{Type: EventDone}
			return nil
		}
		if emitted || !f.shouldFallThrough(ctx, err) {
			events <- StreamEvent{Type: EventError, Error: err}
			return err
		}
		lastErr = err
		f.markDown(ctx, i, err, len(order)-n-1)
	}
	err := fmt.Errorf("all %d llm backends failed: %w", len(f.providers), lastErr)
	events <- StreamEvent{Type: EventError, Error: err}
	return err
}

func (f *FallbackProvider) shouldFallThrough(ctx context.Context, err error) bool {
	var be *domain.BackendError
	return errors.As(err, &be) && ctx.Err() == nil
}

// order lists provider indexes: healthy ones first in configured order,
// then those still cooling down.
func (f *FallbackProvider) order() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	healthy := make([]int, 0, len(f.providers))
	var cooling []int
	for i := range f.providers {
		if until, ok := f.downUntil[i]; ok && now.Before(until) {
			cooling = append(cooling, i)
			continue
		}
		healthy = append(healthy, i)
	}
	return append(healthy, cooling...)
}

func (f *FallbackProvider) markDown(ctx context.Context, i int, err error, remaining int) {
	if f.cooldown > 0 {
		f.mu.Lock()
		f.downUntil[i] = f.now().Add(f.cooldown)
		f.mu.Unlock()
	}
	f.logger.WarnContext(ctx, "llm backend unavailable, trying next",
		slog.String("provider", f.providers[i].Name()),
		slog.String("error", err.Error()),
		slog.Int("remaining", remaining),
	)
}

func (f *FallbackProvider) markUp(ctx context.Context, i, attempt int) {
	f.mu.Lock()
	_, wasDown := f.downUntil[i]
	delete(f.downUntil, i)
	f.mu.Unlock()

	if attempt > 0 || i > 0 || wasDown {
		f.logger.InfoContext(ctx, "llm fallback answered",
			slog.String("provider", f.providers[i].Name()),
			slog.Int("attempt", attempt+1),
		)
	}
}

var _ StreamingProvider = (*FallbackProvider)(nil)
