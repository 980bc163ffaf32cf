package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/ceagles/receipt-tracker/internal/store"
)

// initStore opens and migrates the configured store. Callers close it.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.Path)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// openQueryStore validates the config for read commands and opens the store.
func openQueryStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("query"); err != nil {
		return nil, err
	}
	return initStore(ctx)
}
