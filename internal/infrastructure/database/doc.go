// Package database provides SQLite connectivity for the broker's session
// journal.
//
// It manages:
//   - Opening the database with WAL mode and a busy timeout
//   - Forward-only schema migrations read from an fs.FS
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql. New
// columns must be NULLABLE or carry a DEFAULT.
package database
