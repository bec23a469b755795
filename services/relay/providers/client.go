// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// Transport performs one completion call against one provider. The
// pipeline owns retries across providers; a Transport attempt either
// yields a well-formed reply or an error.
type Transport interface {
	Complete(ctx context.Context, p datatypes.Provider, systemPrompt string,
		msgs []datatypes.Message, temperature float32) (string, error)
}

// OpenAITransport speaks the OpenAI-compatible chat completion contract:
// POST model + ordered messages + sampling parameter, receive one text
// completion. Every provider in the catalog exposes this shape at its own
// base endpoint.
type OpenAITransport struct {
	// httpClient is shared across providers. Per-attempt deadlines come
	// from the context, so no client-level timeout is set.
	httpClient *http.Client
}

// NewOpenAITransport creates the shared upstream transport.
func NewOpenAITransport() *OpenAITransport {
	return &OpenAITransport{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Complete implements Transport.
func (t *OpenAITransport) Complete(ctx context.Context, p datatypes.Provider,
	systemPrompt string, msgs []datatypes.Message, temperature float32) (string, error) {

	cfg := openai.DefaultConfig(p.Credential)
	cfg.BaseURL = p.Endpoint
	cfg.HTTPClient = t.httpClient
	client := openai.NewClientWithConfig(cfg)

	messages := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == datatypes.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Body,
		})
	}

	slog.Debug("Dispatching completion request",
		"endpoint", p.Endpoint, "model", p.ModelID, "messages", len(messages))

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.ModelID,
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("completion call to %s failed: %w", p.Endpoint, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider %s returned no choices", p.Endpoint)
	}
	return resp.Choices[0].Message.Content, nil
}
