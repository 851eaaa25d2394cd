// Package gateway defines the user-facing entry points and the session
// layer that binds chat turns to stored conversations.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Gateway is a long-running entry point such as the HTTP API.
type Gateway interface {
	// Start serves until ctx is canceled or the gateway fails.
	Start(ctx context.Context) error

	// Stop drains in-flight requests within the ctx deadline.
	Stop(ctx context.Context) error
}

// Run starts every gateway and blocks until ctx is canceled or one of them
// exits. Gateways are then stopped in reverse start order, sharing one
// grace period. The first gateway failure is returned.
func Run(ctx context.Context, logger *slog.Logger, grace time.Duration, gateways ...Gateway) error {
	if len(gateways) == 0 {
		return errors.New("no gateway to run")
	}
	errs := make(chan error, len(gateways))
	for _, g := range gateways {
		go func(g Gateway) { errs <- g.Start(ctx) }(g)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			runErr = err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(stopCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}
