// Package config loads the assistant's runtime settings from the
// environment and validates them before anything connects.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults applied when the environment leaves a knob unset.
const (
	DefaultLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel   = "models/gemini-2.0-flash-live-001"

	DefaultSystemPrompt = "You are a voice assistant for a pharmacy manager. " +
		"Answer questions about stock, expiry, supplier debt and daily finances " +
		"using the provided tools. Keep answers short and spoken-friendly."

	DefaultToolsListenAddr = ":9001"
)

// Config is the full assistant configuration.
type Config struct {
	// LiveURL is the realtime voice websocket endpoint.
	LiveURL string
	// LiveAPIKey authenticates against the realtime API.
	LiveAPIKey string
	// Model is the model resource name for the setup handshake.
	Model string
	// SystemPrompt seeds the session system instruction.
	SystemPrompt string

	// DatabaseURL, when set, selects the Postgres store; empty runs the
	// in-memory store.
	DatabaseURL string

	// PropagateToolErrors controls whether failed tool calls are reported
	// back to the model instead of silently dropped.
	PropagateToolErrors bool

	// ToolsListenAddr is the MCP tool server's listen address.
	ToolsListenAddr string
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	cfg := Config{
		LiveURL:             getenv("LIVE_API_URL", DefaultLiveURL),
		LiveAPIKey:          os.Getenv("LIVE_API_KEY"),
		Model:               getenv("LIVE_MODEL", DefaultModel),
		SystemPrompt:        getenv("SYSTEM_PROMPT", DefaultSystemPrompt),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		PropagateToolErrors: getenvBool("TOOL_ERRORS_TO_MODEL", true),
		ToolsListenAddr:     getenv("MCP_LISTEN_ADDR", DefaultToolsListenAddr),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and basic shape.
func (c Config) Validate() error {
	if c.LiveAPIKey == "" {
		return fmt.Errorf("config: LIVE_API_KEY is required")
	}
	if !strings.HasPrefix(c.LiveURL, "ws://") && !strings.HasPrefix(c.LiveURL, "wss://") {
		return fmt.Errorf("config: LIVE_API_URL must be a ws:// or wss:// URL, got %q", c.LiveURL)
	}
	if c.Model == "" {
		return fmt.Errorf("config: LIVE_MODEL must not be empty")
	}
	return nil
}

// ToolsConfig is the standalone tool server's configuration. It shares the
// store settings with the assistant but needs no realtime credentials.
type ToolsConfig struct {
	DatabaseURL string
	ListenAddr  string
}

// LoadTools reads the tool server environment.
func LoadTools() ToolsConfig {
	return ToolsConfig{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		ListenAddr:  getenv("MCP_LISTEN_ADDR", DefaultToolsListenAddr),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
