// Package config reads the process environment once at startup into an
// immutable Config. Per-group quota thresholds live in the settings table
// and are reread on demand; everything else is frozen here.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived knob the relay uses.
type Config struct {
	Host string
	Port string

	DBPath        string
	AdminPassword string
	APIKeys       []string // downstream keys; empty means AdminPassword is accepted

	// Outbound
	OutboundProxy         string
	UseTLSFingerprint     bool
	FingerprintHelperPath string
	ConnectTimeout        time.Duration
	ReadTimeout           time.Duration
	StreamReadTimeout     time.Duration

	// Retry / pool
	SameAccountRetries      int
	SameAccountRetryDelay   time.Duration
	CapacityRetryDelay      time.Duration
	ErrorCountToDisable     int
	RetryTotalTimeout       time.Duration
	MaxConcurrentPerAccount int
	CooldownDefault         time.Duration
	CooldownMax             time.Duration
	GroupThresholdDefault   float64

	// Translator
	ToolResultMaxChars       int
	ToolResultTotalMaxChars  int
	ToolResultTailChars      int
	MaxOutputTokensWithTools int
	ThinkingSignatureTTL     time.Duration
	OpenAIThinkingOutput     string // reasoning_content | tags | both
	OfficialSystemPrompt     bool
	ClaudeEmptyThoughtSpace  bool
	ModelRoutesPath          string

	Verbose bool
}

// Load reads the environment and returns a fully-populated Config.
func Load() *Config {
	return &Config{
		Host: getEnv("HOST", "127.0.0.1"),
		Port: getEnv("PORT", "8085"),

		DBPath:        getEnv("DB_PATH", "relay.db"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		APIKeys:       splitKeys(os.Getenv("API_KEY")),

		OutboundProxy:         firstEnv("OUTBOUND_PROXY", "HTTPS_PROXY", "HTTP_PROXY"),
		UseTLSFingerprint:     getBool("USE_TLS_FINGERPRINT", true),
		FingerprintHelperPath: getEnv("FINGERPRINT_HELPER_PATH", "bin/fingerprint-helper"),
		ConnectTimeout:        getMillis("CONNECT_TIMEOUT_MS", 30_000),
		ReadTimeout:           getMillis("READ_TIMEOUT_MS", 120_000),
		StreamReadTimeout:     getMillis("STREAM_READ_TIMEOUT_MS", 300_000),

		SameAccountRetries:      getInt("SAME_ACCOUNT_RETRIES", 1),
		SameAccountRetryDelay:   getMillis("SAME_ACCOUNT_RETRY_DELAY_MS", 1_000),
		CapacityRetryDelay:      getMillis("UPSTREAM_CAPACITY_RETRY_DELAY_MS", 2_000),
		ErrorCountToDisable:     getInt("ERROR_COUNT_TO_DISABLE", 3),
		RetryTotalTimeout:       getMillis("RETRY_TOTAL_TIMEOUT_MS", 30_000),
		MaxConcurrentPerAccount: getInt("MAX_CONCURRENT_PER_ACCOUNT", 0),
		CooldownDefault:         getMillis("CAPACITY_COOLDOWN_DEFAULT_MS", 30_000),
		CooldownMax:             getMillis("CAPACITY_COOLDOWN_MAX_MS", 10*60_000),
		GroupThresholdDefault:   getFloat("GROUP_QUOTA_THRESHOLD", 0.2),

		ToolResultMaxChars:       getInt("TOOL_RESULT_MAX_CHARS", 60_000),
		ToolResultTotalMaxChars:  getInt("TOOL_RESULT_TOTAL_MAX_CHARS", 200_000),
		ToolResultTailChars:      getInt("TOOL_RESULT_TAIL_CHARS", 2_000),
		MaxOutputTokensWithTools: getInt("MAX_OUTPUT_TOKENS_WITH_TOOLS", 32_000),
		ThinkingSignatureTTL:     getMillis("CLAUDE_THINKING_SIGNATURE_TTL_MS", 24*3600*1000),
		OpenAIThinkingOutput:     getEnv("OPENAI_THINKING_OUTPUT", "reasoning_content"),
		OfficialSystemPrompt:     getBool("OFFICIAL_SYSTEM_PROMPT", true),
		ClaudeEmptyThoughtSpace:  getBool("CLAUDE_EMPTY_THOUGHT_SPACE", true),
		ModelRoutesPath:          os.Getenv("MODEL_ROUTES_PATH"),

		Verbose: getBool("RELAY_VERBOSE", false),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getMillis(key string, defMs int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(defMs) * time.Millisecond
}

func getBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
