package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"clawlink/internal/infra/config"
	"clawlink/internal/infra/tracer"
)

// API exposes the typed gateway calls built on the generic request
// primitive. Opaque read-only calls (health, usage, model listing) route
// through a circuit breaker so a struggling gateway fails fast instead of
// stacking up timed-out polls. Agent turns bypass the breaker: they carry
// idempotency keys and their outcome is reported on the event stream.
type API struct {
	client  *Client
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	logger  *slog.Logger
}

// NewAPI wraps a client with the typed call surface.
func NewAPI(client *Client, cfg config.BreakerConfig, logger *slog.Logger) *API {
	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "gateway:" + client.endpoint.Host,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &API{client: client, breaker: cb, logger: logger}
}

// Health fetches the gateway's health payload.
func (a *API) Health(ctx context.Context) (json.RawMessage, error) {
	return a.call(ctx, MethodHealth, nil)
}

// Usage fetches the gateway's usage accounting payload.
func (a *API) Usage(ctx context.Context) (json.RawMessage, error) {
	return a.call(ctx, MethodUsage, nil)
}

// Models lists the models the gateway currently serves.
func (a *API) Models(ctx context.Context) (json.RawMessage, error) {
	return a.call(ctx, MethodModelsList, nil)
}

func (a *API) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "gateway."+method)
	defer span.End()

	payload, err := a.breaker.Execute(func() (json.RawMessage, error) {
		return a.client.Issue(ctx, method, params, 0)
	})
	if err != nil {
		tracer.RecordError(span, err)
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("gateway circuit open: %w", err)
		}
		return nil, err
	}
	tracer.SetOK(span)
	return payload, nil
}

// SendAgent issues an agent turn tagged with a fresh idempotency key and
// returns that key. A nil error does not mean the turn completed: the result
// streams back as agent events and surfaces on the event bus. The ephemeral
// flag diverts this turn's committed output away from persistent history.
func (a *API) SendAgent(ctx context.Context, sessionKey, message, model string, attachments []Attachment, ephemeral bool) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.agent")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("session.key", sessionKey))

	key := ulid.Make().String()
	a.client.Demux().SetEphemeral(ephemeral)

	params := AgentParams{
		Message:        message,
		IdempotencyKey: key,
		SessionKey:     sessionKey,
		Model:          model,
		Attachments:    attachments,
	}

	start := time.Now()
	if _, err := a.client.Issue(ctx, MethodAgent, params, 0); err != nil {
		a.client.Demux().SetEphemeral(false)
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	a.logger.Debug("agent turn accepted",
		"session_key", sessionKey,
		"idempotency_key", key,
		"rtt", time.Since(start),
	)
	return key, nil
}

// BreakerState reports the circuit breaker state for monitoring.
func (a *API) BreakerState() gobreaker.State {
	return a.breaker.State()
}
