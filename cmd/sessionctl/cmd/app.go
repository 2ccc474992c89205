package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/gateway/oidcgateway"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/store"
	"github.com/jrsteele09/go-auth-session/store/boltstore"
	"github.com/jrsteele09/go-auth-session/store/filestore"
	"github.com/jrsteele09/go-auth-session/store/memory"
	"github.com/jrsteele09/go-auth-session/store/sealed"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app is everything a command needs to work on the persisted session.
type app struct {
	config  config.Config
	manager *auth.SessionManager
	closers []io.Closer
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.New(), nil
	}
	return config.Load(configPath)
}

func setupLogger(c config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.GetLogLevel()))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("app", c.GetAppName()).Logger()
}

// newApp loads the configuration, opens the store, discovers the identity
// provider and restores any persisted session.
func newApp(ctx context.Context) (*app, error) {
	c, err := loadConfig()
	if err != nil {
		return nil, err
	}
	setupLogger(c)

	a := &app{config: c}
	st, err := a.openStore()
	if err != nil {
		a.Close()
		return nil, err
	}

	gw, err := oidcgateway.New(ctx, c)
	if err != nil {
		a.Close()
		return nil, err
	}

	manager, err := auth.NewSessionManager(gw, st, c)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.manager = manager
	status := manager.InitializeFromStorage(ctx)
	log.Debug().Stringer("status", status).Msg("session restored from storage")
	return a, nil
}

// openStore picks the backend named in the configuration and seals it.
// Without a configured key records are sealed with a key that only lives
// as long as the process.
func (a *app) openStore() (store.SecureStore, error) {
	c := a.config
	var inner store.SecureStore
	switch backend := c.GetStoreBackend(); backend {
	case "memory":
		inner = memory.New()
	case "bolt":
		if err := os.MkdirAll(c.GetDataFolder(), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		bolt, err := boltstore.Open(filepath.Join(c.GetDataFolder(), "session.db"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, bolt)
		inner = bolt
	case "file":
		files, err := filestore.New(c.GetDataFolder())
		if err != nil {
			return nil, err
		}
		inner = files
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}

	var key []byte
	var err error
	if encoded := c.GetStoreKey(); encoded != "" {
		key, err = sealed.KeyFromHex(encoded)
	} else {
		log.Warn().Msg("STORE_KEY not set, sessions will not survive a restart")
		key, err = sealed.GenerateKey()
	}
	if err != nil {
		return nil, err
	}
	return sealed.New(inner, key)
}

// Close stops the manager's timers and closes the store. The persisted
// session is left in place.
func (a *app) Close() {
	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			log.Err(err).Msg("closing session manager")
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			log.Err(err).Msg("closing store")
		}
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
