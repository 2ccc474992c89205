package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type Config interface {
	EnvConfig
	SessionConfig
	SecurityConfig
	IdentityConfig
	StoreConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetListenAddr() string
}

type mainConfig struct {
	EnvVars
	Session
	Security
	Identity
	Store
}

// New returns a Config read from environment variables with built-in
// defaults.
func New() Config {
	return newConfig(&fileValues{})
}

// Load returns a Config whose defaults are replaced by the values of the
// TOML file at path. Environment variables still take precedence.
func Load(path string) (Config, error) {
	values := &fileValues{}
	if _, err := toml.DecodeFile(path, values); err != nil {
		return nil, fmt.Errorf("[config.Load] decoding %s: %w", path, err)
	}
	return newConfig(values), nil
}

func newConfig(values *fileValues) Config {
	return mainConfig{
		EnvVars:  EnvVars{file: values},
		Session:  Session{file: values},
		Security: Security{file: values},
		Identity: Identity{file: values},
		Store:    Store{file: values},
	}
}
