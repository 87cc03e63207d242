// Package database provides SQLite connectivity for relayhub.
//
// This package manages:
//   - Database connection with WAL mode and a busy timeout
//   - Schema migrations read from an embedded filesystem
//   - A transaction helper used by the device store
//
// SQLite has a single writer, so the pool is limited to one connection.
// Device writes are additionally serialised per device by the registry,
// which keeps transactions short.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files live in the top-level migrations package and are named
// YYYYMMDD_HHMMSS_description.up.sql / .down.sql. Each migration is applied
// in its own transaction.
package database
