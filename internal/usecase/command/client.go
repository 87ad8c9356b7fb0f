// Package command is the single entry point every higher-level component uses
// to talk to the worker. It adds a per-attempt timeout, bounded retries with
// exponential backoff for transport failures, a circuit breaker and an
// outbound rate limit on top of the supervisor's Dispatch.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"whisperlink/internal/domain"
	"whisperlink/internal/infra/tracer"
)

// Dispatcher sends one command to the live worker. It returns
// domain.ErrWorkerUnavailable when there is none.
type Dispatcher interface {
	Dispatch(ctx context.Context, command string, args map[string]any) (*domain.Response, error)
}

// Config tunes the client. Zero values take the defaults noted per field.
type Config struct {
	Timeout            time.Duration // per-attempt response budget (default: 15s)
	BaseDelay          time.Duration // first retry delay, doubled per attempt (default: 200ms)
	MaxDelay           time.Duration // backoff cap before jitter (default: 2s)
	DefaultAttempts    int           // attempts for routine calls (default: 3)
	LivenessAttempts   int           // attempts for liveness probes (default: 1)
	RateLimit          float64       // commands per second (default: 100)
	RateBurst          int           // limiter burst (default: 20)
	BreakerMaxFailures uint32        // consecutive transport failures that open the breaker (default: 5)
	BreakerTimeout     time.Duration // open to half-open delay (default: 10s)
}

// Client invokes worker commands.
type Client struct {
	dispatcher Dispatcher
	config     Config
	breaker    *gobreaker.CircuitBreaker[*domain.Response]
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a Client over dispatcher.
func NewClient(dispatcher Dispatcher, cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.DefaultAttempts <= 0 {
		cfg.DefaultAttempts = 3
	}
	if cfg.LivenessAttempts <= 0 {
		cfg.LivenessAttempts = 1
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 10 * time.Second
	}

	maxFailures := cfg.BreakerMaxFailures
	breaker := gobreaker.NewCircuitBreaker[*domain.Response](gobreaker.Settings{
		Name:        "worker",
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Only a broken channel counts against the worker. Timeouts and
		// remote failures mean it is alive; an absent worker and calls cut
		// off by a deliberate stop or restart are the supervisor's concern.
		IsSuccessful: func(err error) bool {
			return !domain.IsTransportError(err) || domain.IsSupervisorStop(err)
		},
	})

	return &Client{
		dispatcher: dispatcher,
		config:     cfg,
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:     logger,
	}
}

// Invoke sends name with args, trying up to maxAttempts times.
//
// A first attempt that finds no live worker returns ErrWorkerUnavailable
// at once. A timeout returns ErrTimeout and is not retried; the worker is
// left running and its late response is discarded. Transport failures are
// retried with backoff and surface as ErrUnreachable once attempts run out.
// A success:false response is returned as is, with a nil error.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any, maxAttempts int) (*domain.Response, error) {
	ctx, span := tracer.StartSpan(ctx, "bridge.invoke",
		trace.WithAttributes(
			tracer.StringAttr("bridge.command", name),
			tracer.IntAttr("bridge.max_attempts", maxAttempts),
		),
	)
	defer span.End()

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.logger.Info("retrying command after transport error",
				"command", name, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				tracer.RecordError(span, ctx.Err())
				return nil, ctx.Err()
			}
		}

		resp, err := c.attempt(ctx, name, args)
		if err == nil {
			span.SetAttributes(
				tracer.IntAttr("bridge.attempts", attempt+1),
				tracer.BoolAttr("bridge.success", resp.Success),
			)
			tracer.SetOK(span)
			return resp, nil
		}

		if attempt == 0 && errors.Is(err, domain.ErrWorkerUnavailable) {
			tracer.RecordError(span, err)
			return nil, err
		}
		if !domain.IsRetryableError(err) {
			tracer.RecordError(span, err)
			return nil, err
		}
		lastErr = err
	}

	err := domain.NewSubSystemError("command", "Client.Invoke", domain.ErrUnreachable,
		fmt.Sprintf("%s after %d attempts: %v", name, maxAttempts, lastErr))
	tracer.RecordError(span, err)
	c.logger.Warn("command failed after retries", "command", name, "attempts", maxAttempts, "error", lastErr)
	return nil, err
}

func (c *Client) attempt(ctx context.Context, name string, args map[string]any) (*domain.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.WrapOp("Client.Invoke", err)
	}

	actx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.breaker.Execute(func() (*domain.Response, error) {
		return c.dispatcher.Dispatch(actx, name, args)
	})
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, domain.NewSubSystemError("command", "Client.Invoke", domain.ErrUnreachable,
			fmt.Sprintf("%s: circuit open: %v", name, err))
	case ctx.Err() != nil:
		// The caller's own deadline or cancellation, not the attempt budget.
		return nil, fmt.Errorf("%s: %w", name, ctx.Err())
	case errors.Is(err, domain.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("command timed out", "command", name, "timeout", c.config.Timeout)
		return nil, domain.NewSubSystemError("command", "Client.Invoke", domain.ErrTimeout,
			fmt.Sprintf("%s: no response within %s", name, c.config.Timeout))
	default:
		return nil, err
	}
}

// Call invokes name with the routine attempt budget.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (*domain.Response, error) {
	return c.Invoke(ctx, name, args, c.config.DefaultAttempts)
}

// Probe invokes name with the liveness attempt budget, so health checks
// stay fast.
func (c *Client) Probe(ctx context.Context, name string, args map[string]any) (*domain.Response, error) {
	return c.Invoke(ctx, name, args, c.config.LivenessAttempts)
}

// Do calls name and folds a success:false response into a *domain.RemoteError.
func (c *Client) Do(ctx context.Context, name string, args map[string]any) (*domain.Response, error) {
	resp, err := c.Call(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(name); err != nil {
		return resp, err
	}
	return resp, nil
}

// BreakerState returns the current circuit breaker state for monitoring.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// backoff computes exponential backoff with jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.config.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > c.config.MaxDelay || delay <= 0 {
		delay = c.config.MaxDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
