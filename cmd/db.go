package cmd

import (
	"context"
	"fmt"

	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/log"
	"github.com/example/slotwatch/internal/migrate"
)

// openDB connects, pings and optionally brings the schema up to date.
func openDB(ctx context.Context, cfg config.Config, migrateUp bool) (*db.DB, error) {
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if err := migrate.Up(ctx, d, log.WithComponent("migrate")); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}
