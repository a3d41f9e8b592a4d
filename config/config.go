// Package config loads unit-of-work settings from the environment, with an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/CaliLuke/go-uow/orm"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Driver identifies a backing store implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-process store (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file or :memory:
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// Environment variable names.
const (
	EnvDriver         = "UOW_DRIVER"
	EnvDSN            = "UOW_DSN"
	EnvEcho           = "UOW_ECHO"
	EnvAutoflush      = "UOW_AUTOFLUSH"
	EnvExpireOnCommit = "UOW_EXPIRE_ON_COMMIT"
	EnvLogLevel       = "UOW_LOG_LEVEL"
)

// Config holds the settings for opening a database and its sessions.
type Config struct {
	Driver Driver
	// DSN is the sqlite file path or the postgres connection string.
	DSN            string
	Echo           bool
	Autoflush      bool
	ExpireOnCommit bool
	LogLevel       zerolog.Level
}

// Default returns the settings used when nothing is configured: the memory
// store with autoflush and expire-on-commit enabled.
func Default() Config {
	return Config{
		Driver:         DriverMemory,
		Autoflush:      true,
		ExpireOnCommit: true,
		LogLevel:       zerolog.InfoLevel,
	}
}

// Load reads the given .env files (".env" when none are named) into the
// process environment, then builds a Config from it. Missing files are
// ignored; variables already set in the environment win.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from environment lookups.
//
//	UOW_DRIVER: memory|sqlite|postgres (default memory)
//	UOW_DSN: sqlite path or postgres DSN
//	UOW_ECHO, UOW_AUTOFLUSH, UOW_EXPIRE_ON_COMMIT: booleans
//	UOW_LOG_LEVEL: zerolog level name (default info)
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if v, ok := lookup(EnvDriver); ok && v != "" {
		cfg.Driver = Driver(strings.ToLower(v))
	}
	if v, ok := lookup(EnvDSN); ok {
		cfg.DSN = v
	}
	for _, b := range []struct {
		name string
		dst  *bool
	}{
		{EnvEcho, &cfg.Echo},
		{EnvAutoflush, &cfg.Autoflush},
		{EnvExpireOnCommit, &cfg.ExpireOnCommit},
	} {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", b.name, err)
		}
		*b.dst = parsed
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(v))
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvLogLevel, err)
		}
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the driver name and that postgres has a DSN.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("%s is required for the postgres driver", EnvDSN)
		}
	default:
		return fmt.Errorf("%s: unknown driver %q", EnvDriver, c.Driver)
	}
	return nil
}

// Options converts the session settings into orm options.
func (c Config) Options(log zerolog.Logger) []orm.Option {
	return []orm.Option{
		orm.WithLogger(log),
		orm.WithEcho(c.Echo),
		orm.WithAutoflush(c.Autoflush),
		orm.WithExpireOnCommit(c.ExpireOnCommit),
	}
}
