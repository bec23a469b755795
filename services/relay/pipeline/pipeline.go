// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline orchestrates one chat turn end to end: verification
// gate, history append, provider dispatch with fallback, sanitization,
// persistence, and push notification.
//
// # Description
//
// A send moves through Received -> Gated -> Queued -> Dispatching(i) ->
// {Succeeded | Degraded}. The caller only ever sees a verification-kind
// error or a reply; upstream and storage failures are absorbed here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/history"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/providers"
	"github.com/AleutianAI/AleutianRelay/services/relay/push"
	"github.com/AleutianAI/AleutianRelay/services/relay/sanitize"
	"github.com/AleutianAI/AleutianRelay/services/relay/verify"
)

var pipelineTracer = otel.Tracer("aleutian.relay.pipeline")

// RolePrivileged bypasses the verification gate. Assigned by the auth
// provider, never by the client.
const RolePrivileged = "admin"

// DefaultFallbackReply is the static degraded text returned when every
// provider attempt failed.
const DefaultFallbackReply = "I'm having trouble reaching my upstream services right now. Please try again in a moment."

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the message pipeline.
type Config struct {
	// SystemPrompt occupies the single system slot of every dispatch.
	SystemPrompt string

	// ContextTurns is how many most-recent messages accompany a dispatch.
	// Default: 20.
	ContextTurns int

	// AttemptTimeout bounds one provider attempt. Attempts do not share a
	// budget; each provider gets a fresh timeout. Default: 60s.
	AttemptTimeout time.Duration

	// Temperature is the sampling parameter forwarded upstream.
	// Default: 0.7.
	Temperature float32

	// FallbackReply is the static degraded text. Default:
	// DefaultFallbackReply.
	FallbackReply string

	// PreferEnvFirst places the environment provider at the head of the
	// try-order instead of the tail.
	PreferEnvFirst bool

	// Now is the clock. Injected for tests; defaults to time.Now.
	Now func() time.Time
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = 20
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// =============================================================================
// Requests
// =============================================================================

// SendRequest is one inbound chat turn.
type SendRequest struct {
	// SessionKey is the opaque per-session identifier. Required.
	SessionKey string

	// OwnerKey is the authenticated identity, when present. Supersedes
	// SessionKey for grouping and push addressing.
	OwnerKey string

	// Roles are the caller's authenticated roles. A privileged role
	// bypasses the verification gate.
	Roles []string

	// Body is the user's message text.
	Body string

	// VerifyToken is the human-verification token, when the client
	// supplied one.
	VerifyToken string
}

// RetryRequest asks for a fresh reply to an existing assistant message.
type RetryRequest struct {
	SessionKey  string
	OwnerKey    string
	Roles       []string
	MessageID   string
	VerifyToken string
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline wires the cache, store, pool, transport, registry, and
// verifier into the chat turn state machine.
//
// # Thread Safety
//
// Safe for concurrent use; every collaborator serializes its own state.
type Pipeline struct {
	cache     *history.Cache
	store     *history.Store
	pool      *providers.Pool
	transport providers.Transport
	registry  *push.Registry

	// verifier nil means verification is unconfigured and the gate
	// passes everyone.
	verifier verify.Verifier

	cfg Config
	now func() time.Time
}

// New creates a pipeline. verifier may be nil (gate disabled).
func New(cache *history.Cache, store *history.Store, pool *providers.Pool,
	transport providers.Transport, registry *push.Registry,
	verifier verify.Verifier, cfg Config) *Pipeline {

	cfg = applyConfigDefaults(cfg)
	return &Pipeline{
		cache:     cache,
		store:     store,
		pool:      pool,
		transport: transport,
		registry:  registry,
		verifier:  verifier,
		cfg:       cfg,
		now:       cfg.Now,
	}
}

// =============================================================================
// Send
// =============================================================================

// Send runs one chat turn and returns the reply text.
//
// # Description
//
// The verification gate runs before any state mutates. An identity query
// is answered with an empty reply (the turn still completes and
// publishes). Providers are tried in weight-biased random order, each
// under its own timeout; when every attempt fails the static fallback
// reply is returned and recorded with its degraded marker.
//
// # Outputs
//
//   - string: The sanitized reply, the fallback text, or "" for an
//     identity-query turn.
//   - error: A verification-kind or request-validation error only.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (string, error) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.Send",
		trace.WithAttributes(
			attribute.Bool("relay.has_owner", req.OwnerKey != ""),
			attribute.Int("relay.body_bytes", len(req.Body)),
		),
	)
	defer span.End()

	if err := p.gate(ctx, req.Roles, req.VerifyToken); err != nil {
		countRequest("send", "gate_failed")
		return "", err
	}
	if err := validateBody(req.Body); err != nil {
		countRequest("send", "gate_failed")
		return "", err
	}

	key := datatypes.GroupKeyFor(req.OwnerKey, req.SessionKey)
	p.hydrate(ctx, key)

	userMsg := datatypes.Message{
		ID:         uuid.New().String(),
		Body:       req.Body,
		Role:       datatypes.RoleUser,
		CreatedAt:  p.now(),
		SessionKey: req.SessionKey,
		OwnerKey:   req.OwnerKey,
	}
	p.cache.Append(key, userMsg)
	p.store.Save(ctx, key, p.cache.ListByKey(key))

	if sanitize.IsIdentityQuery(req.Body) {
		slog.Info("Identity query silenced", "session_key", req.SessionKey)
		countRequest("send", "silenced")
		p.registry.Publish(req.OwnerKey, req.SessionKey, datatypes.EventMessageCompleted,
			datatypes.CompletionEvent{MessageID: userMsg.ID})
		return "", nil
	}

	reply, degraded := p.dispatch(ctx, key)

	asstMsg := datatypes.Message{
		ID:         uuid.New().String(),
		Body:       reply,
		Role:       datatypes.RoleAssistant,
		CreatedAt:  p.now(),
		SessionKey: req.SessionKey,
		OwnerKey:   req.OwnerKey,
	}
	p.cache.Append(key, asstMsg)
	p.store.Save(ctx, key, p.cache.ListByKey(key))

	status := "succeeded"
	if degraded {
		status = "degraded"
	}
	countRequest("send", status)

	p.registry.Publish(req.OwnerKey, req.SessionKey, datatypes.EventMessageCompleted,
		datatypes.CompletionEvent{
			MessageID:      asstMsg.ID,
			HasResponse:    reply != "",
			ResponseLength: utf8.RuneCountInString(reply),
			IsFallback:     degraded,
		})
	return reply, nil
}

// =============================================================================
// Retry
// =============================================================================

// Retry regenerates an existing assistant message in place.
//
// # Description
//
// The gate runs first, exactly as for Send. The target must exist in the
// caller's bucket and be assistant-authored; otherwise Retry is a no-op
// returning an empty reply. The dispatch context is every message
// strictly before the target, so the regenerated reply answers the same
// prompt the original did. The message count never changes: the new body
// overwrites the old one under the same ID.
func (p *Pipeline) Retry(ctx context.Context, req RetryRequest) (string, error) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.Retry")
	defer span.End()

	if err := p.gate(ctx, req.Roles, req.VerifyToken); err != nil {
		countRequest("retry", "gate_failed")
		return "", err
	}

	key := datatypes.GroupKeyFor(req.OwnerKey, req.SessionKey)
	p.hydrate(ctx, key)

	msgs := p.cache.ListByKey(key)
	target := -1
	for i, m := range msgs {
		if m.ID == req.MessageID {
			target = i
			break
		}
	}
	if target < 0 || msgs[target].Role != datatypes.RoleAssistant {
		slog.Info("Retry target absent or not assistant-authored, no-op",
			"message_id", req.MessageID)
		return "", nil
	}

	reply, degraded := p.dispatchWith(ctx, msgs[:target])

	p.cache.UpdateByID(key, req.MessageID, reply)
	p.store.Save(ctx, key, p.cache.ListByKey(key))

	status := "succeeded"
	if degraded {
		status = "degraded"
	}
	countRequest("retry", status)

	p.registry.Publish(req.OwnerKey, req.SessionKey, datatypes.EventRetryCompleted,
		datatypes.CompletionEvent{
			MessageID:      req.MessageID,
			HasResponse:    reply != "",
			ResponseLength: utf8.RuneCountInString(reply),
			IsFallback:     degraded,
		})
	return reply, nil
}

// =============================================================================
// Gate
// =============================================================================

// gate enforces human verification. Privileged roles bypass; with no
// verifier configured everyone passes. No state mutates on failure.
func (p *Pipeline) gate(ctx context.Context, roles []string, token string) error {
	for _, role := range roles {
		if role == RolePrivileged {
			return nil
		}
	}
	if p.verifier == nil {
		return nil
	}
	if token == "" {
		return ErrVerificationRequired
	}
	ok, err := p.verifier.Verify(ctx, token)
	if err != nil {
		slog.Warn("Verification service error", "error", err)
		return fmt.Errorf("%w: %s", ErrVerificationUnavailable, err)
	}
	if !ok {
		return ErrVerificationFailed
	}
	return nil
}

func validateBody(body string) error {
	if body == "" {
		return ErrEmptyBody
	}
	if len(body) > datatypes.MaxMessageBodyBytes {
		return ErrBodyTooLarge
	}
	return nil
}

// =============================================================================
// Dispatch
// =============================================================================

// dispatch runs the provider loop over the most recent context window of
// the bucket.
func (p *Pipeline) dispatch(ctx context.Context, key string) (string, bool) {
	return p.dispatchWith(ctx, p.cache.ListByKey(key))
}

// dispatchWith tries each provider in try-order until one yields a
// non-empty sanitized reply. Returns (reply, degraded); degraded is true
// when the static fallback text was used.
func (p *Pipeline) dispatchWith(ctx context.Context, msgs []datatypes.Message) (string, bool) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.dispatch")
	defer span.End()

	if n := len(msgs) - p.cfg.ContextTurns; n > 0 {
		msgs = msgs[n:]
	}

	started := time.Now()
	order := p.pool.BuildTryOrder(ctx, p.cfg.PreferEnvFirst)
	span.SetAttributes(
		attribute.Int("relay.providers", len(order)),
		attribute.Int("relay.context_messages", len(msgs)),
	)
	for i, prov := range order {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		raw, err := p.transport.Complete(attemptCtx, prov, p.cfg.SystemPrompt, msgs, p.cfg.Temperature)
		cancel()

		if err != nil {
			outcome := "error"
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
			countAttempt(outcome)
			slog.Warn("Provider attempt failed, trying next",
				"attempt", i+1, "of", len(order),
				"endpoint", prov.Endpoint, "model", prov.ModelID, "error", err)
			continue
		}

		reply := sanitize.Clean(raw)
		if reply == "" {
			countAttempt("error")
			slog.Warn("Provider returned empty reply after sanitization, trying next",
				"attempt", i+1, "endpoint", prov.Endpoint, "model", prov.ModelID)
			continue
		}

		countAttempt("success")
		observeDispatch("succeeded", time.Since(started))
		slog.Debug("Provider attempt succeeded",
			"attempt", i+1, "endpoint", prov.Endpoint, "model", prov.ModelID)
		return reply, false
	}

	slog.Warn("All provider attempts exhausted, answering with fallback",
		"providers_tried", len(order))
	if m := observability.DefaultMetrics; m != nil {
		m.FallbackRepliesTotal.Inc()
	}
	observeDispatch("degraded", time.Since(started))
	return p.cfg.FallbackReply, true
}

// hydrate restores a bucket from the persistent store after a restart.
// Only runs when the cache holds nothing for the key; the cache stays
// authoritative once populated.
func (p *Pipeline) hydrate(ctx context.Context, key string) {
	if p.cache.BucketLen(key) > 0 {
		return
	}
	if stored := p.store.Load(ctx, key); len(stored) > 0 {
		p.cache.Replace(key, stored)
		slog.Debug("Bucket hydrated from store", "key", key, "messages", len(stored))
	}
}

// =============================================================================
// Metric helpers (nil-safe when metrics are disabled)
// =============================================================================

func countRequest(operation, status string) {
	if m := observability.DefaultMetrics; m != nil {
		m.RequestsTotal.WithLabelValues(operation, status).Inc()
	}
}

func countAttempt(outcome string) {
	if m := observability.DefaultMetrics; m != nil {
		m.ProviderAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

func observeDispatch(status string, d time.Duration) {
	if m := observability.DefaultMetrics; m != nil {
		m.DispatchDurationSeconds.WithLabelValues(status).Observe(d.Seconds())
	}
}
