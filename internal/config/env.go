package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables that override file configuration.
const (
	EnvConfigPath = "AUTOBACKUP_CONFIG"
	EnvBackupRoot = "AUTOBACKUP_ROOT"
	EnvDebug      = "AUTOBACKUP_DEBUG"
	EnvLogLevel   = "AUTOBACKUP_LOG_LEVEL"
	EnvHTTPProxy  = "AUTOBACKUP_HTTP_PROXY"
	EnvHTTPSProxy = "AUTOBACKUP_HTTPS_PROXY"
	EnvNoProxy    = "AUTOBACKUP_NO_PROXY"

	EnvMaxServerRetries = "AUTOBACKUP_MAX_SERVER_RETRIES"
)

// ApplyEnv overlays environment overrides on cfg.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvBackupRoot)); v != "" {
		cfg.BackupRoot = v
	}
	cfg.DebugMode = getEnvBool(EnvDebug, cfg.DebugMode)
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvHTTPProxy); v != "" {
		cfg.Upload.Proxy.HTTPProxy = v
	}
	if v := os.Getenv(EnvHTTPSProxy); v != "" {
		cfg.Upload.Proxy.HTTPSProxy = v
	}
	if v := os.Getenv(EnvNoProxy); v != "" {
		cfg.Upload.Proxy.NoProxy = v
	}
	cfg.Upload.MaxServerRetries = getEnvInt(EnvMaxServerRetries, cfg.Upload.MaxServerRetries)
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
