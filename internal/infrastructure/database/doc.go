// Package database provides SQLite connectivity for the fleet store.
//
// This package manages:
//   - Connection setup with WAL mode, busy timeout and foreign keys
//   - Embedded, versioned schema migrations
//   - Transaction and constraint-error helpers shared by the repositories
//
// A single writer connection is used; repositories take *sql.DB and run
// multi-table changes through WithTx so partial writes never persist.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
