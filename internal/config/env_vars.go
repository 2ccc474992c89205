package config

import (
	"os"
	"strconv"
	"time"
)

const (
	appNameVar    = "APP_NAME"
	envVar        = "ENV"
	logLevelVar   = "LOG_LEVEL"
	listenAddrVar = "LISTEN_ADDR"
)

type EnvVars struct {
	file *fileValues
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetAppName() string {
	return GetEnv(appNameVar, orString(e.file.App.Name, "Session Client"))
}

func (e EnvVars) GetEnv() string {
	return GetEnv(envVar, orString(e.file.App.Env, "DEV"))
}

func (e EnvVars) GetLogLevel() string {
	return GetEnv(logLevelVar, orString(e.file.App.LogLevel, "info"))
}

func (e EnvVars) GetListenAddr() string {
	return GetEnv(listenAddrVar, orString(e.file.App.ListenAddr, ":8080"))
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvDuration parses envVar as a time.Duration ("90s", "5m"), falling back
// to defaultValue when unset or malformed.
func GetEnvDuration(envVar string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(envVar))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

// GetEnvInt parses envVar as a positive integer, falling back to
// defaultValue when unset or malformed.
func GetEnvInt(envVar string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(envVar))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func orString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func orDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func orInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
