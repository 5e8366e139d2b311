package config

import "time"

type Config interface {
	EnvConfig
	ClientConfig
	StoreConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
}

type ClientConfig interface {
	GetBaseURL() string
	GetRequestTimeout() time.Duration
	GetRefreshMargin() time.Duration
	GetMonitorInterval() time.Duration
}

type StoreConfig interface {
	GetStorePath() string
	GetStorePassphrase() string
}

type mainConfig struct {
	EnvVars
}

func New() Config {
	return mainConfig{}
}
