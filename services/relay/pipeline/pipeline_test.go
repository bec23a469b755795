// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/history"
	"github.com/AleutianAI/AleutianRelay/services/relay/providers"
	"github.com/AleutianAI/AleutianRelay/services/relay/push"
	"github.com/AleutianAI/AleutianRelay/services/relay/verify"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeTransport scripts completion outcomes per endpoint and records every
// attempt with a copy of the context window it was handed.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []transportCall
	respond func(p datatypes.Provider, msgs []datatypes.Message) (string, error)
}

type transportCall struct {
	endpoint string
	msgs     []datatypes.Message
}

func (f *fakeTransport) Complete(ctx context.Context, p datatypes.Provider,
	systemPrompt string, msgs []datatypes.Message, temperature float32) (string, error) {

	f.mu.Lock()
	f.calls = append(f.calls, transportCall{
		endpoint: p.Endpoint,
		msgs:     append([]datatypes.Message(nil), msgs...),
	})
	f.mu.Unlock()
	return f.respond(p, msgs)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// listSource is a fixed in-memory catalog.
type listSource []datatypes.Provider

func (s listSource) LoadProviders(ctx context.Context) ([]datatypes.Provider, error) {
	return s, nil
}

// fakeVerifier scripts the gate.
type fakeVerifier struct {
	ok  bool
	err error
}

func (v *fakeVerifier) Verify(ctx context.Context, token string) (bool, error) {
	return v.ok, v.err
}

// collectingSink gathers push events for one subscription.
type collectingSink struct {
	mu     sync.Mutex
	events []push.Event
}

func (s *collectingSink) sink(ev push.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *collectingSink) completions() []push.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []push.Event
	for _, ev := range s.events {
		if ev.Type != datatypes.EventConnected {
			out = append(out, ev)
		}
	}
	return out
}

// testRig assembles a pipeline over fakes plus a subscribed push sink.
type testRig struct {
	pipe      *Pipeline
	cache     *history.Cache
	store     *history.Store
	transport *fakeTransport
	sink      *collectingSink
}

func newRig(t *testing.T, catalog listSource, transport *fakeTransport,
	verifier *fakeVerifier, cfg Config) *testRig {
	t.Helper()

	cache := history.NewCache(history.CacheConfig{})
	store := history.NewStore(nil, history.StoreConfig{})
	pool := providers.NewPool(sourceOrNil(catalog), providers.PoolConfig{})
	registry := push.NewRegistry(push.Config{})

	sink := &collectingSink{}
	if _, err := registry.Subscribe("", "sess-1", sink.sink); err != nil {
		t.Fatalf("subscribe test sink: %v", err)
	}

	var v verify.Verifier
	if verifier != nil {
		v = verifier
	}
	return &testRig{
		pipe:      New(cache, store, pool, transport, registry, v, cfg),
		cache:     cache,
		store:     store,
		transport: transport,
		sink:      sink,
	}
}

func sourceOrNil(catalog listSource) providers.Source {
	if catalog == nil {
		return nil
	}
	return catalog
}

func okTransport(reply string) *fakeTransport {
	return &fakeTransport{respond: func(datatypes.Provider, []datatypes.Message) (string, error) {
		return reply, nil
	}}
}

func oneProvider() listSource {
	return listSource{{Endpoint: "http://p1.example", ModelID: "m1", Enabled: true, Weight: 1}}
}

func sendReq(body string) SendRequest {
	return SendRequest{SessionKey: "sess-1", Body: body}
}

// =============================================================================
// Send Tests
// =============================================================================

func TestSend_HappyPath(t *testing.T) {
	rig := newRig(t, oneProvider(), okTransport("  <think>hmm</think>The answer.  "), nil, Config{})

	reply, err := rig.pipe.Send(context.Background(), sendReq("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "The answer." {
		t.Errorf("reply = %q, want sanitized text", reply)
	}

	msgs := rig.cache.ListByKey("sess-1")
	if len(msgs) != 2 {
		t.Fatalf("bucket holds %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != datatypes.RoleUser || msgs[0].Body != "hello" {
		t.Errorf("first message = %+v, want the user turn", msgs[0])
	}
	if msgs[1].Role != datatypes.RoleAssistant || msgs[1].Body != "The answer." {
		t.Errorf("second message = %+v, want the sanitized assistant turn", msgs[1])
	}

	events := rig.sink.completions()
	if len(events) != 1 {
		t.Fatalf("published %d completion events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != datatypes.EventMessageCompleted {
		t.Errorf("event type = %s", ev.Type)
	}
	if ev.Payload.MessageID != msgs[1].ID {
		t.Error("event does not carry the assistant message ID")
	}
	if !ev.Payload.HasResponse || ev.Payload.IsFallback {
		t.Errorf("payload = %+v, want a non-fallback response marker", ev.Payload)
	}
	if ev.Payload.ResponseLength != len("The answer.") {
		t.Errorf("ResponseLength = %d", ev.Payload.ResponseLength)
	}
}

func TestSend_ProviderFallbackChain(t *testing.T) {
	catalog := listSource{
		{Endpoint: "http://down1.example", ModelID: "m", Enabled: true, Weight: 1},
		{Endpoint: "http://down2.example", ModelID: "m", Enabled: true, Weight: 1},
		{Endpoint: "http://up.example", ModelID: "m", Enabled: true, Weight: 1},
	}
	transport := &fakeTransport{respond: func(p datatypes.Provider, _ []datatypes.Message) (string, error) {
		if p.Endpoint == "http://up.example" {
			return "served by the survivor", nil
		}
		return "", errors.New("connection refused")
	}}
	rig := newRig(t, catalog, transport, nil, Config{})

	reply, err := rig.pipe.Send(context.Background(), sendReq("hi"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "served by the survivor" {
		t.Errorf("reply = %q, want the healthy provider's answer", reply)
	}
	// Order is randomized; the healthy provider answers whenever reached,
	// so at most all three were tried.
	if n := rig.transport.callCount(); n < 1 || n > 3 {
		t.Errorf("attempts = %d", n)
	}

	events := rig.sink.completions()
	if len(events) != 1 || events[0].Payload.IsFallback {
		t.Errorf("events = %+v, want one non-fallback completion", events)
	}
}

func TestSend_EmptyReplyTriggersNextProvider(t *testing.T) {
	catalog := listSource{
		{Endpoint: "http://empty.example", ModelID: "m", Enabled: true, Weight: 1},
	}
	env := datatypes.Provider{Endpoint: "http://env.example", ModelID: "m", Enabled: true, Weight: 1}
	transport := &fakeTransport{respond: func(p datatypes.Provider, _ []datatypes.Message) (string, error) {
		if p.Endpoint == "http://env.example" {
			return "real text", nil
		}
		// Sanitizes to nothing: treated as a failed attempt.
		return "<think>only reasoning</think>", nil
	}}

	cache := history.NewCache(history.CacheConfig{})
	store := history.NewStore(nil, history.StoreConfig{})
	pool := providers.NewPool(catalog, providers.PoolConfig{Env: &env})
	registry := push.NewRegistry(push.Config{})
	pipe := New(cache, store, pool, transport, registry, nil, Config{})

	reply, err := pipe.Send(context.Background(), sendReq("hi"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "real text" {
		t.Errorf("reply = %q, want the env provider's answer", reply)
	}
	if transport.callCount() != 2 {
		t.Errorf("attempts = %d, want 2", transport.callCount())
	}
}

func TestSend_AllProvidersFail(t *testing.T) {
	transport := &fakeTransport{respond: func(datatypes.Provider, []datatypes.Message) (string, error) {
		return "", errors.New("unreachable")
	}}
	rig := newRig(t, oneProvider(), transport, nil, Config{})

	reply, err := rig.pipe.Send(context.Background(), sendReq("hi"))
	if err != nil {
		t.Fatalf("Send must not surface provider errors, got %v", err)
	}
	if reply != DefaultFallbackReply {
		t.Errorf("reply = %q, want the static fallback", reply)
	}

	// The fallback is recorded as a regular assistant turn.
	msgs := rig.cache.ListByKey("sess-1")
	if len(msgs) != 2 || msgs[1].Body != DefaultFallbackReply {
		t.Errorf("bucket = %d messages, assistant body %q", len(msgs), msgs[len(msgs)-1].Body)
	}

	events := rig.sink.completions()
	if len(events) != 1 || !events[0].Payload.IsFallback {
		t.Errorf("events = %+v, want one fallback-marked completion", events)
	}
}

func TestSend_NoProvidersConfigured(t *testing.T) {
	transport := okTransport("never called")
	rig := newRig(t, nil, transport, nil, Config{})

	reply, err := rig.pipe.Send(context.Background(), sendReq("hi"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != DefaultFallbackReply {
		t.Errorf("reply = %q, want the static fallback", reply)
	}
	if rig.transport.callCount() != 0 {
		t.Errorf("transport called %d times with an empty try-order", rig.transport.callCount())
	}
}

func TestSend_IdentityQuerySilence(t *testing.T) {
	rig := newRig(t, oneProvider(), okTransport("should not run"), nil, Config{})

	reply, err := rig.pipe.Send(context.Background(), sendReq("what model are you?"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "" {
		t.Errorf("reply = %q, want silence", reply)
	}
	if rig.transport.callCount() != 0 {
		t.Error("identity query reached a provider")
	}

	// The user turn is still recorded; no assistant turn is added.
	msgs := rig.cache.ListByKey("sess-1")
	if len(msgs) != 1 || msgs[0].Role != datatypes.RoleUser {
		t.Fatalf("bucket = %v, want only the user turn", msgs)
	}

	// The turn still completes for push subscribers, keyed to the user
	// message since there is no assistant one.
	events := rig.sink.completions()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	p := events[0].Payload
	if p.MessageID != msgs[0].ID || p.HasResponse || p.ResponseLength != 0 {
		t.Errorf("payload = %+v, want an empty-response completion for the user message", p)
	}
}

func TestSend_BodyValidation(t *testing.T) {
	rig := newRig(t, oneProvider(), okTransport("x"), nil, Config{})

	t.Run("empty body", func(t *testing.T) {
		_, err := rig.pipe.Send(context.Background(), sendReq(""))
		if !errors.Is(err, ErrEmptyBody) {
			t.Errorf("err = %v, want ErrEmptyBody", err)
		}
	})

	t.Run("oversized body", func(t *testing.T) {
		_, err := rig.pipe.Send(context.Background(), sendReq(strings.Repeat("x", datatypes.MaxMessageBodyBytes+1)))
		if !errors.Is(err, ErrBodyTooLarge) {
			t.Errorf("err = %v, want ErrBodyTooLarge", err)
		}
	})

	t.Run("nothing recorded on rejection", func(t *testing.T) {
		if n := rig.cache.BucketLen("sess-1"); n != 0 {
			t.Errorf("bucket holds %d messages after rejected sends", n)
		}
	})
}

func TestSend_OwnerKeyGroupsHistory(t *testing.T) {
	rig := newRig(t, oneProvider(), okTransport("reply"), nil, Config{})

	req := sendReq("hello")
	req.OwnerKey = "owner-1"
	if _, err := rig.pipe.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if rig.cache.BucketLen("owner-1") != 2 {
		t.Error("messages not bucketed under the owner key")
	}
	if rig.cache.BucketLen("sess-1") != 0 {
		t.Error("messages leaked into the session-key bucket")
	}
}

// =============================================================================
// Gate Tests
// =============================================================================

func TestSend_VerificationGate(t *testing.T) {
	t.Run("no verifier passes everyone", func(t *testing.T) {
		rig := newRig(t, oneProvider(), okTransport("ok"), nil, Config{})
		if _, err := rig.pipe.Send(context.Background(), sendReq("hi")); err != nil {
			t.Errorf("Send: %v", err)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		rig := newRig(t, oneProvider(), okTransport("ok"), &fakeVerifier{ok: true}, Config{})
		_, err := rig.pipe.Send(context.Background(), sendReq("hi"))
		if !errors.Is(err, ErrVerificationRequired) {
			t.Errorf("err = %v, want ErrVerificationRequired", err)
		}
		if rig.cache.BucketLen("sess-1") != 0 || rig.transport.callCount() != 0 {
			t.Error("state mutated behind a closed gate")
		}
	})

	t.Run("rejected token", func(t *testing.T) {
		rig := newRig(t, oneProvider(), okTransport("ok"), &fakeVerifier{ok: false}, Config{})
		req := sendReq("hi")
		req.VerifyToken = "bad"
		_, err := rig.pipe.Send(context.Background(), req)
		if !errors.Is(err, ErrVerificationFailed) {
			t.Errorf("err = %v, want ErrVerificationFailed", err)
		}
	})

	t.Run("verifier unreachable", func(t *testing.T) {
		rig := newRig(t, oneProvider(), okTransport("ok"),
			&fakeVerifier{err: errors.New("dial tcp: refused")}, Config{})
		req := sendReq("hi")
		req.VerifyToken = "token"
		_, err := rig.pipe.Send(context.Background(), req)
		if !errors.Is(err, ErrVerificationUnavailable) {
			t.Errorf("err = %v, want ErrVerificationUnavailable", err)
		}
	})

	t.Run("valid token passes", func(t *testing.T) {
		rig := newRig(t, oneProvider(), okTransport("ok"), &fakeVerifier{ok: true}, Config{})
		req := sendReq("hi")
		req.VerifyToken = "good"
		if _, err := rig.pipe.Send(context.Background(), req); err != nil {
			t.Errorf("Send: %v", err)
		}
	})

	t.Run("privileged role bypasses", func(t *testing.T) {
		// Verifier would reject, but the role short-circuits before it runs.
		rig := newRig(t, oneProvider(), okTransport("ok"), &fakeVerifier{ok: false}, Config{})
		req := sendReq("hi")
		req.Roles = []string{RolePrivileged}
		if _, err := rig.pipe.Send(context.Background(), req); err != nil {
			t.Errorf("Send: %v", err)
		}
	})
}

// =============================================================================
// Retry Tests
// =============================================================================

func seedConversation(t *testing.T, rig *testRig, turns int) []datatypes.Message {
	t.Helper()
	for i := 0; i < turns; i++ {
		if _, err := rig.pipe.Send(context.Background(), sendReq("question")); err != nil {
			t.Fatalf("seed send %d: %v", i, err)
		}
	}
	return rig.cache.ListByKey("sess-1")
}

func TestRetry_RegeneratesInPlace(t *testing.T) {
	rig := newRig(t, oneProvider(), okTransport("first draft"), nil, Config{})
	msgs := seedConversation(t, rig, 2) // u0 a1 u2 a3
	target := msgs[1]

	rig.transport.respond = func(datatypes.Provider, []datatypes.Message) (string, error) {
		return "second draft", nil
	}

	reply, err := rig.pipe.Retry(context.Background(), RetryRequest{
		SessionKey: "sess-1", MessageID: target.ID,
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if reply != "second draft" {
		t.Errorf("reply = %q", reply)
	}

	after := rig.cache.ListByKey("sess-1")
	if len(after) != len(msgs) {
		t.Fatalf("message count changed: %d -> %d", len(msgs), len(after))
	}
	if after[1].ID != target.ID || after[1].Body != "second draft" {
		t.Errorf("target = %+v, want same ID with the new body", after[1])
	}
	if after[3].Body != "first draft" {
		t.Error("a later assistant message was disturbed")
	}

	// Dispatch context is everything strictly before the target.
	last := rig.transport.calls[len(rig.transport.calls)-1]
	if len(last.msgs) != 1 || last.msgs[0].ID != msgs[0].ID {
		t.Errorf("retry context = %v, want only the first user turn", last.msgs)
	}

	events := rig.sink.completions()
	ev := events[len(events)-1]
	if ev.Type != datatypes.EventRetryCompleted || ev.Payload.MessageID != target.ID {
		t.Errorf("last event = %+v, want a retry completion for the target", ev)
	}
}

func TestRetry_NoOpCases(t *testing.T) {
	rig := newRig(t, oneProvider(), okTransport("draft"), nil, Config{})
	msgs := seedConversation(t, rig, 1) // u0 a1

	t.Run("absent message", func(t *testing.T) {
		reply, err := rig.pipe.Retry(context.Background(), RetryRequest{
			SessionKey: "sess-1", MessageID: "no-such-id",
		})
		if err != nil || reply != "" {
			t.Errorf("Retry = %q, %v; want silent no-op", reply, err)
		}
	})

	t.Run("user-authored target", func(t *testing.T) {
		before := rig.transport.callCount()
		reply, err := rig.pipe.Retry(context.Background(), RetryRequest{
			SessionKey: "sess-1", MessageID: msgs[0].ID,
		})
		if err != nil || reply != "" {
			t.Errorf("Retry = %q, %v; want silent no-op", reply, err)
		}
		if rig.transport.callCount() != before {
			t.Error("no-op retry reached a provider")
		}
	})

	t.Run("gate still applies", func(t *testing.T) {
		gated := newRig(t, oneProvider(), okTransport("draft"), &fakeVerifier{ok: true}, Config{})
		_, err := gated.pipe.Retry(context.Background(), RetryRequest{
			SessionKey: "sess-1", MessageID: "any",
		})
		if !errors.Is(err, ErrVerificationRequired) {
			t.Errorf("err = %v, want ErrVerificationRequired", err)
		}
	})
}

// =============================================================================
// Context-Window Tests
// =============================================================================

func TestDispatch_ContextWindow(t *testing.T) {
	rig := newRig(t, oneProvider(), okTransport("r"), nil, Config{ContextTurns: 4})
	seedConversation(t, rig, 5) // 10 messages in the bucket

	if _, err := rig.pipe.Send(context.Background(), sendReq("latest")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	last := rig.transport.calls[len(rig.transport.calls)-1]
	if len(last.msgs) != 4 {
		t.Fatalf("dispatch window = %d messages, want 4", len(last.msgs))
	}
	if last.msgs[3].Body != "latest" {
		t.Error("window does not end with the newest message")
	}
}

// =============================================================================
// Hydration Tests
// =============================================================================

func TestSend_HydratesFromStore(t *testing.T) {
	db, err := history.OpenInMemoryDB()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := history.NewStore(db, history.StoreConfig{})

	// First life: a conversation is persisted.
	cache1 := history.NewCache(history.CacheConfig{})
	pool := providers.NewPool(oneProvider(), providers.PoolConfig{})
	registry := push.NewRegistry(push.Config{})
	pipe1 := New(cache1, store, pool, okTransport("old reply"), registry, nil, Config{})
	if _, err := pipe1.Send(context.Background(), sendReq("remember this")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Second life: fresh cache, same store. The prior turns come back.
	cache2 := history.NewCache(history.CacheConfig{})
	transport := okTransport("new reply")
	pipe2 := New(cache2, store, pool, transport, registry, nil, Config{})
	if _, err := pipe2.Send(context.Background(), sendReq("and now?")); err != nil {
		t.Fatalf("Send after restart: %v", err)
	}

	msgs := cache2.ListByKey("sess-1")
	if len(msgs) != 4 {
		t.Fatalf("bucket = %d messages after hydration, want 4", len(msgs))
	}
	if msgs[0].Body != "remember this" || msgs[1].Body != "old reply" {
		t.Errorf("hydrated head = %q / %q", msgs[0].Body, msgs[1].Body)
	}

	// The dispatch saw the hydrated history too.
	last := transport.calls[len(transport.calls)-1]
	if len(last.msgs) != 3 {
		t.Errorf("dispatch window = %d messages, want the hydrated turns plus the new one", len(last.msgs))
	}
}
