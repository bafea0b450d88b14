package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type dialect struct {
	driver string
	schema []string
	// positional rewrites $N placeholders to ? for drivers that do not number them.
	positional bool
}

var postgresDialect = dialect{
	driver: DriverPostgres,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id                 TEXT PRIMARY KEY,
			owner_id           TEXT NOT NULL,
			assistant_id       TEXT NOT NULL DEFAULT '',
			thread_id          TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			required_action    TEXT,
			last_error         TEXT,
			incomplete_details TEXT,
			model              TEXT NOT NULL DEFAULT '',
			instructions       TEXT NOT NULL DEFAULT '',
			tools              TEXT,
			assistant          TEXT,
			thread             TEXT,
			created_at         TIMESTAMPTZ NOT NULL,
			expires_at         TIMESTAMPTZ NOT NULL,
			started_at         TIMESTAMPTZ,
			cancelled_at       TIMESTAMPTZ,
			failed_at          TIMESTAMPTZ,
			completed_at       TIMESTAMPTZ,
			updated_at         TIMESTAMPTZ NOT NULL,
			deleted_at         TIMESTAMPTZ,
			version            BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS runs_owner_status_idx ON runs (owner_id, status) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS runs_expires_at_idx ON runs (expires_at) WHERE deleted_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS file_extractions (
			file_id    TEXT PRIMARY KEY,
			job_id     TEXT NOT NULL DEFAULT '',
			output     TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	},
}

var sqliteDialect = dialect{
	driver:     DriverSQLite,
	positional: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id                 TEXT PRIMARY KEY,
			owner_id           TEXT NOT NULL,
			assistant_id       TEXT NOT NULL DEFAULT '',
			thread_id          TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			required_action    TEXT,
			last_error         TEXT,
			incomplete_details TEXT,
			model              TEXT NOT NULL DEFAULT '',
			instructions       TEXT NOT NULL DEFAULT '',
			tools              TEXT,
			assistant          TEXT,
			thread             TEXT,
			created_at         TIMESTAMP NOT NULL,
			expires_at         TIMESTAMP NOT NULL,
			started_at         TIMESTAMP,
			cancelled_at       TIMESTAMP,
			failed_at          TIMESTAMP,
			completed_at       TIMESTAMP,
			updated_at         TIMESTAMP NOT NULL,
			deleted_at         TIMESTAMP,
			version            INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS runs_owner_status_idx ON runs (owner_id, status)`,
		`CREATE INDEX IF NOT EXISTS runs_expires_at_idx ON runs (expires_at)`,
		`CREATE TABLE IF NOT EXISTS file_extractions (
			file_id    TEXT PRIMARY KEY,
			job_id     TEXT NOT NULL DEFAULT '',
			output     TEXT,
			updated_at TIMESTAMP NOT NULL
		)`,
	},
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres, "":
		return postgresDialect, nil
	case DriverSQLite:
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites $1..$N to ? when the dialect needs it. Queries in this
// package reference each placeholder once, in ascending order.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			continue
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String()
}

// placeholders returns "$from, $from+1, ..." for n values.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(parts, ", ")
}
