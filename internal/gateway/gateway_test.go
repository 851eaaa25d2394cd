package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubGateway struct {
	name     string
	startErr error
	mu       *sync.Mutex
	stopped  *[]string
}

func (g *stubGateway) Start(ctx context.Context) error {
	if g.startErr != nil {
		return g.startErr
	}
	<-ctx.Done()
	return nil
}

func (g *stubGateway) Stop(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	*g.stopped = append(*g.stopped, g.name)
	return nil
}

func TestRun_StopsInReverseOrderOnCancel(t *testing.T) {
	var mu sync.Mutex
	var stopped []string
	a := &stubGateway{name: "http", mu: &mu, stopped: &stopped}
	b := &stubGateway{name: "mcp", mu: &mu, stopped: &stopped}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, discardLogger(), time.Second, a, b) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(stopped) != 2 || stopped[0] != "mcp" || stopped[1] != "http" {
		t.Errorf("stop order = %v", stopped)
	}
}

func TestRun_GatewayFailureStopsAll(t *testing.T) {
	var mu sync.Mutex
	var stopped []string
	boom := errors.New("address already in use")
	a := &stubGateway{name: "http", startErr: boom, mu: &mu, stopped: &stopped}

	if err := Run(context.Background(), discardLogger(), time.Second, a); !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want %v", err, boom)
	}
	if len(stopped) != 1 {
		t.Errorf("stopped = %v", stopped)
	}
}

func TestRun_RequiresGateway(t *testing.T) {
	if err := Run(context.Background(), discardLogger(), time.Second); err == nil {
		t.Fatal("expected error")
	}
}
