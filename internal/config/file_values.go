package config

import "time"

// fileValues mirrors the TOML configuration file. Zero values mean "not
// set" and fall through to the built-in default.
type fileValues struct {
	App struct {
		Name       string `toml:"name"`
		Env        string `toml:"env"`
		LogLevel   string `toml:"log_level"`
		ListenAddr string `toml:"listen_addr"`
	} `toml:"app"`

	Session struct {
		RefreshBuffer     time.Duration `toml:"refresh_buffer"`
		HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
		Timeout           time.Duration `toml:"timeout"`
		RefreshAttempts   int           `toml:"refresh_attempts"`
		RefreshBackoff    time.Duration `toml:"refresh_backoff"`
		DeviceID          string        `toml:"device_id"`
		UserAgent         string        `toml:"user_agent"`
	} `toml:"session"`

	Security struct {
		LoginWindow       time.Duration `toml:"login_window"`
		LoginAttemptLimit int           `toml:"login_attempt_limit"`
	} `toml:"security"`

	Identity struct {
		IssuerURL         string        `toml:"issuer_url"`
		ClientID          string        `toml:"client_id"`
		ClientSecret      string        `toml:"client_secret"`
		Scopes            []string      `toml:"scopes"`
		RequestTimeout    time.Duration `toml:"request_timeout"`
		RequestsPerSecond float64       `toml:"requests_per_second"`
	} `toml:"identity"`

	Store struct {
		Backend string `toml:"backend"`
		Folder  string `toml:"folder"`
		Key     string `toml:"key"`
	} `toml:"store"`
}
