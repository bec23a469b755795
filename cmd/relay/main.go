// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay starts the multi-provider chat relay HTTP server.
//
// This is the main entry point for the containerized relay service. It
// reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - RELAY_PORT: HTTP server port (default: 12230)
//   - RELAY_DB_PATH: BadgerDB directory for history + provider catalog (optional)
//   - RELAY_PROVIDERS_FILE: JSON provider catalog file, watched for changes (optional)
//   - RELAY_SYSTEM_PROMPT: system prompt for every dispatch
//   - RELAY_FALLBACK_REPLY: static degraded reply override
//   - RELAY_CONTEXT_TURNS: messages per dispatch window (default: 20)
//   - RELAY_ATTEMPT_TIMEOUT_SECONDS: per-provider attempt timeout (default: 60)
//   - RELAY_MAX_USER_MESSAGES: per-bucket cache cap (default: 50)
//   - RELAY_MAX_MEMORY_MESSAGES: global cache cap (default: 10000)
//   - RELAY_ADMIN_TOKEN: shared operator token for the admin surface (optional)
//   - RELAY_VERIFY_ENDPOINT / RELAY_VERIFY_SECRET: human-verification gate (optional)
//   - FALLBACK_PROVIDER_ENDPOINT / FALLBACK_PROVIDER_KEY / FALLBACK_PROVIDER_MODEL:
//     environment-declared fallback provider (optional)
//   - RELAY_PREFER_ENV_FIRST: try the env provider before the catalog (default: false)
//   - RELAY_LOG_LEVEL: debug, info, warn, error (default: info)
//   - RELAY_LOG_DIR: JSON log file directory (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o relay ./cmd/relay
//
//	# Run
//	./relay
//
//	# Or via container
//	podman-compose up relay
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

func main() {
	// Human-readable logs on a terminal, JSON in containers and pipes.
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("RELAY_LOG_LEVEL")),
		Service: "relay",
		LogDir:  os.Getenv("RELAY_LOG_DIR"),
		JSON:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := relay.Config{
		Port:               getEnvInt("RELAY_PORT", 12230),
		DBPath:             os.Getenv("RELAY_DB_PATH"),
		ProvidersFile:      os.Getenv("RELAY_PROVIDERS_FILE"),
		EnvProvider:        envProvider(),
		PreferEnvFirst:     os.Getenv("RELAY_PREFER_ENV_FIRST") == "true",
		SystemPrompt:       os.Getenv("RELAY_SYSTEM_PROMPT"),
		FallbackReply:      os.Getenv("RELAY_FALLBACK_REPLY"),
		ContextTurns:       getEnvInt("RELAY_CONTEXT_TURNS", 0),
		AttemptTimeout:     time.Duration(getEnvInt("RELAY_ATTEMPT_TIMEOUT_SECONDS", 0)) * time.Second,
		MaxUserMessages:    getEnvInt("RELAY_MAX_USER_MESSAGES", 0),
		MaxMemoryMessages:  getEnvInt("RELAY_MAX_MEMORY_MESSAGES", 0),
		TruncateOnOversize: getEnvInt("RELAY_TRUNCATE_ON_OVERSIZE", 0),
		MaxConnections:     getEnvInt("RELAY_MAX_CONNECTIONS", 0),
		VerifyEndpoint:     os.Getenv("RELAY_VERIFY_ENDPOINT"),
		VerifySecret:       os.Getenv("RELAY_VERIFY_SECRET"),
		OTelEndpoint:       getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
	}

	slog.Info("Starting relay",
		"port", cfg.Port,
		"db_path", cfg.DBPath,
		"providers_file", cfg.ProvidersFile,
		"env_provider", cfg.EnvProvider != nil,
		"verification", cfg.VerifyEndpoint != "",
	)

	// Default (no-op) extension options; enterprise builds pass custom
	// ServiceOptions. RELAY_ADMIN_TOKEN enables the single-operator admin
	// surface without identity infrastructure.
	opts := extensions.DefaultOptions()
	if token := os.Getenv("RELAY_ADMIN_TOKEN"); token != "" {
		opts = opts.WithAuth(&extensions.StaticTokenProvider{Token: token})
	}

	svc, err := relay.New(cfg, &opts)
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Relay error: %v", err)
	}
}

// envProvider builds the environment-declared fallback provider, or nil
// when the endpoint is unset.
func envProvider() *datatypes.Provider {
	endpoint := os.Getenv("FALLBACK_PROVIDER_ENDPOINT")
	if endpoint == "" {
		return nil
	}
	return &datatypes.Provider{
		Endpoint:   endpoint,
		Credential: os.Getenv("FALLBACK_PROVIDER_KEY"),
		ModelID:    getEnvString("FALLBACK_PROVIDER_MODEL", "gpt-4o-mini"),
		Enabled:    true,
		Weight:     1,
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
