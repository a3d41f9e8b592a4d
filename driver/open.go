package driver

import (
	"context"
	"fmt"

	"github.com/CaliLuke/go-uow/config"
	"github.com/CaliLuke/go-uow/orm"
	"github.com/rs/zerolog"
)

// Store is a backing store that sessions connect to.
type Store interface {
	orm.Connector
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case config.DriverMemory:
		log.Info().Str("driver", string(cfg.Driver)).Msg("memory store opened")
		return NewMemoryStore(WithMemoryLogger(log)), nil
	case config.DriverSQLite, config.DriverPostgres:
		return OpenSQL(ctx, cfg, WithSQLLogger(log))
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}

// OpenDatabase opens the store selected by cfg and wraps it in an
// orm.Database carrying cfg's session options.
func OpenDatabase(ctx context.Context, cfg config.Config, log zerolog.Logger) (*orm.Database, Store, error) {
	store, err := Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return orm.Open(store, cfg.Options(log)...), store, nil
}
