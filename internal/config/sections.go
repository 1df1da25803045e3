package config

import (
	"fmt"
	"strings"
	"time"
)

// LedgerConfig 描述用量账本的存储与计价。
type LedgerConfig struct {
	Backend    string
	FilePath   string
	RedisURL   string
	RedisKey   string
	SQLitePath string
	InputRate  float64
	OutputRate float64
}

func loadLedgerConfig() (LedgerConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("LEDGER_BACKEND", "file"))
	switch backend {
	case "file", "redis", "sqlite", "memory":
	default:
		return LedgerConfig{}, fmt.Errorf("invalid LEDGER_BACKEND value %q", backend)
	}

	inputRate, err := floatEnvOrDefault("LEDGER_INPUT_RATE", 0.15)
	if err != nil {
		return LedgerConfig{}, err
	}
	outputRate, err := floatEnvOrDefault("LEDGER_OUTPUT_RATE", 0.60)
	if err != nil {
		return LedgerConfig{}, err
	}
	if inputRate < 0 || outputRate < 0 {
		return LedgerConfig{}, fmt.Errorf("ledger rates must not be negative")
	}

	cfg := LedgerConfig{
		Backend:    backend,
		FilePath:   getEnvOrDefault("LEDGER_FILE", "data/stats.json"),
		RedisURL:   getEnvOrDefault("REDIS_URL", ""),
		RedisKey:   getEnvOrDefault("LEDGER_REDIS_KEY", "chatbot_stats"),
		SQLitePath: getEnvOrDefault("LEDGER_SQLITE_PATH", "data/ledger.db"),
		InputRate:  inputRate,
		OutputRate: outputRate,
	}
	if backend == "redis" && cfg.RedisURL == "" {
		return LedgerConfig{}, fmt.Errorf("LEDGER_BACKEND=redis requires REDIS_URL")
	}
	return cfg, nil
}

// SessionConfig 描述服务端会话快照的存储。
type SessionConfig struct {
	Backend     string
	RedisURL    string
	RedisPrefix string
	TTL         time.Duration
}

func loadSessionConfig(redisURL string) (SessionConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("SESSION_BACKEND", "memory"))
	if backend != "memory" && backend != "redis" {
		return SessionConfig{}, fmt.Errorf("invalid SESSION_BACKEND value %q", backend)
	}
	if backend == "redis" && redisURL == "" {
		return SessionConfig{}, fmt.Errorf("SESSION_BACKEND=redis requires REDIS_URL")
	}

	ttl, err := parseDurationEnv("SESSION_TTL", 7*24*time.Hour)
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{
		Backend:     backend,
		RedisURL:    redisURL,
		RedisPrefix: getEnvOrDefault("SESSION_REDIS_PREFIX", "coachbot:"),
		TTL:         ttl,
	}, nil
}

// ConversationConfig 描述对话状态机的可调参数。
type ConversationConfig struct {
	PendingPhrases    []string
	ConfirmYes        string
	ConfirmNo         string
	GenerationTimeout time.Duration
	LedgerTimeout     time.Duration
}

func loadConversationConfig() (ConversationConfig, error) {
	genTimeout, err := parseDurationEnv("GENERATION_TIMEOUT", 60*time.Second)
	if err != nil {
		return ConversationConfig{}, err
	}
	ledgerTimeout, err := parseDurationEnv("LEDGER_EMIT_TIMEOUT", 10*time.Second)
	if err != nil {
		return ConversationConfig{}, err
	}

	return ConversationConfig{
		// 为空时由 conversation 包回落到内置短语。
		PendingPhrases:    splitList(getEnvOrDefault("PENDING_PHRASES", ""), "|"),
		ConfirmYes:        getEnvOrDefault("CONFIRM_YES", "כן"),
		ConfirmNo:         getEnvOrDefault("CONFIRM_NO", "לא"),
		GenerationTimeout: genTimeout,
		LedgerTimeout:     ledgerTimeout,
	}, nil
}

// PersonasConfig 描述人设目录来源。
type PersonasConfig struct {
	File  string
	Watch bool
}

func loadPersonasConfig() (PersonasConfig, error) {
	watch, err := parseBoolEnv("PERSONAS_WATCH", false)
	if err != nil {
		return PersonasConfig{}, err
	}
	return PersonasConfig{File: getEnvOrDefault("PERSONAS_FILE", ""), Watch: watch}, nil
}

// LimitsConfig 描述写接口的限流。
type LimitsConfig struct {
	StatsWriteRPS   float64
	StatsWriteBurst int
}

func loadLimitsConfig() (LimitsConfig, error) {
	rps, err := floatEnvOrDefault("STATS_WRITE_RPS", 20)
	if err != nil {
		return LimitsConfig{}, err
	}
	burst, err := intEnvOrDefault("STATS_WRITE_BURST", 40)
	if err != nil {
		return LimitsConfig{}, err
	}
	if rps <= 0 || burst <= 0 {
		return LimitsConfig{}, fmt.Errorf("STATS_WRITE_RPS and STATS_WRITE_BURST must be positive")
	}
	return LimitsConfig{StatsWriteRPS: rps, StatsWriteBurst: burst}, nil
}
