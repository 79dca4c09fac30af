// Package config loads node configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// rawConfig is the flat env-tag struct env.Parse fills in.
type rawConfig struct {
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8378"`

	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	DatabaseURL string `env:"DATABASE_URL,notEmpty"`

	SessionID       string `env:"SESSION_ID"`
	ParticipantName string `env:"PARTICIPANT_NAME,notEmpty"`
	ParticipantRole string `env:"PARTICIPANT_ROLE" envDefault:"player"`
	MaxParticipants int    `env:"MAX_PARTICIPANTS" envDefault:"4"`

	GMMode string `env:"GM_MODE" envDefault:"ai"`
	GMName string `env:"GM_NAME"`

	NarrateURL    string `env:"NARRATE_URL"`
	NarrateAPIKey string `env:"NARRATE_API_KEY"`
	NarrateModels string `env:"NARRATE_MODELS" envDefault:"gemini-2.5-pro,gemini-2.5-flash,gemini-2.0-flash"`
	ImageURL      string `env:"IMAGE_URL"`

	InviteSecret string        `env:"INVITE_SECRET"`
	InviteTTL    time.Duration `env:"INVITE_TTL" envDefault:"24h"`
}

// Config is the validated node configuration.
type Config struct {
	LogLevel   string
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	// SessionID is the session to join; uuid.Nil means host a new one.
	SessionID       uuid.UUID
	ParticipantName string
	ParticipantRole string
	MaxParticipants int

	// AIGameMaster selects the AI GM; otherwise GMName identifies the
	// human participant carrying GM duty.
	AIGameMaster bool
	GMName       string

	NarrateURL    string
	NarrateAPIKey string
	NarrateModels []string
	ImageURL      string

	InviteSecret []byte
	InviteTTL    time.Duration
}

// Load parses and validates the environment.
func Load() (Config, error) {
	var raw rawConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg := Config{
		LogLevel:        raw.LogLevel,
		ListenAddr:      raw.ListenAddr,
		RedisURL:        raw.RedisURL,
		DatabaseURL:     raw.DatabaseURL,
		ParticipantName: raw.ParticipantName,
		ParticipantRole: strings.ToLower(raw.ParticipantRole),
		MaxParticipants: raw.MaxParticipants,
		GMName:          raw.GMName,
		NarrateURL:      raw.NarrateURL,
		NarrateAPIKey:   raw.NarrateAPIKey,
		ImageURL:        raw.ImageURL,
		InviteSecret:    []byte(raw.InviteSecret),
		InviteTTL:       raw.InviteTTL,
	}

	if raw.SessionID != "" {
		id, err := uuid.Parse(raw.SessionID)
		if err != nil {
			return Config{}, fmt.Errorf("SESSION_ID: %w", err)
		}
		cfg.SessionID = id
	}

	switch cfg.ParticipantRole {
	case "host", "player", "spectator":
	default:
		return Config{}, fmt.Errorf("PARTICIPANT_ROLE must be host, player or spectator, got %q", raw.ParticipantRole)
	}

	switch strings.ToLower(raw.GMMode) {
	case "ai":
		cfg.AIGameMaster = true
	case "human":
		if cfg.GMName == "" {
			return Config{}, fmt.Errorf("GM_NAME is required when GM_MODE=human")
		}
	default:
		return Config{}, fmt.Errorf("GM_MODE must be ai or human, got %q", raw.GMMode)
	}

	for _, m := range strings.Split(raw.NarrateModels, ",") {
		if m = strings.TrimSpace(m); m != "" {
			cfg.NarrateModels = append(cfg.NarrateModels, m)
		}
	}
	if cfg.NarrateURL != "" && len(cfg.NarrateModels) == 0 {
		return Config{}, fmt.Errorf("NARRATE_MODELS must name at least one model")
	}
	if cfg.MaxParticipants < 1 {
		return Config{}, fmt.Errorf("MAX_PARTICIPANTS must be at least 1, got %d", cfg.MaxParticipants)
	}

	return cfg, nil
}
