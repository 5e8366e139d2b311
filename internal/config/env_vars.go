package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	appNameVar         = "APP_NAME"
	baseURLVar         = "AUTH_BASE_URL"
	requestTimeoutVar  = "AUTH_REQUEST_TIMEOUT"
	refreshMarginVar   = "AUTH_REFRESH_MARGIN"
	monitorIntervalVar = "AUTH_MONITOR_INTERVAL"
	storePathVar       = "AUTH_STORE_PATH"
	storePassphraseVar = "AUTH_STORE_PASSPHRASE"
)

type EnvVars struct{}

var _ Config = mainConfig{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Go Auth Client")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

// GetBaseURL returns the base URL of the auth backend
// (e.g., "https://api.example.com"). Endpoint paths are appended to it.
func (EnvVars) GetBaseURL() string {
	return GetEnv(baseURLVar, "http://localhost:8080")
}

func (EnvVars) GetRequestTimeout() time.Duration {
	return getEnvDuration(requestTimeoutVar, 60*time.Second)
}

func (EnvVars) GetRefreshMargin() time.Duration {
	return getEnvDuration(refreshMarginVar, 10*time.Minute)
}

func (EnvVars) GetMonitorInterval() time.Duration {
	return getEnvDuration(monitorIntervalVar, 2*time.Minute)
}

func (EnvVars) GetStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return GetEnv(storePathVar, filepath.Join(home, ".go-auth-client", "credentials"))
}

func (EnvVars) GetStorePassphrase() string {
	return GetEnv(storePassphraseVar, "")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(envVar string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
