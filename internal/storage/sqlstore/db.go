// Package sqlstore persists devices in a relational database. MySQL and
// SQLite are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS devices (
	dev_id VARCHAR(50) NOT NULL PRIMARY KEY,
	reg_id VARCHAR(255) NOT NULL UNIQUE,
	name VARCHAR(255) NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	modified_at DATETIME NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	deactivation_reason VARCHAR(64) NOT NULL DEFAULT '',
	owner_id VARCHAR(255) NOT NULL DEFAULT ''
)`

// InitDB opens the database, applies pool settings and creates the schema.
func InitDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		// Timestamps are scanned into time.Time.
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		// Register relies on matched rather than changed rows.
		cfg.ClientFoundRows = true
		dsn = cfg.FormatDSN()
	case DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
