package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

const (
	// DriverPostgres selects PostgreSQL through lib/pq.
	DriverPostgres = "postgres"
	// DriverMySQL selects MySQL through go-sql-driver/mysql.
	DriverMySQL = "mysql"
)

// dialect holds what differs between the supported databases. Queries are written with ?
// placeholders and rebound per dialect.
type dialect struct {
	name        string
	numbered    bool
	schema      []string
	isDuplicate func(error) bool
}

var postgresDialect = dialect{
	name:     DriverPostgres,
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS %[1]s (
	queue TEXT NOT NULL,
	id TEXT NOT NULL,
	earliest_visible_at TIMESTAMPTZ NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	version TEXT NOT NULL DEFAULT '',
	context TEXT,
	payload BYTEA,
	content_type TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (queue, id)
)`,
		`CREATE INDEX IF NOT EXISTS %[1]s_claim_idx ON %[1]s (queue, earliest_visible_at)`,
	},
	isDuplicate: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

var mysqlDialect = dialect{
	name: DriverMySQL,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS %[1]s (
	queue VARCHAR(191) NOT NULL,
	id VARCHAR(191) NOT NULL,
	earliest_visible_at DATETIME(6) NOT NULL,
	retries INT NOT NULL DEFAULT 0,
	version VARCHAR(191) NOT NULL DEFAULT '',
	context TEXT,
	payload LONGBLOB,
	content_type VARCHAR(191) NOT NULL DEFAULT '',
	created_at DATETIME(6) NOT NULL,
	PRIMARY KEY (queue, id),
	INDEX %[1]s_claim_idx (queue, earliest_visible_at)
)`,
	},
	isDuplicate: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == 1062
	},
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "postgresql":
		return postgresDialect, nil
	case DriverMySQL:
		return mysqlDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// rebind rewrites ? placeholders into $n for numbered dialects.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// prepareDSN adjusts a MySQL DSN so DATETIME columns scan into time.Time in UTC and UPDATE
// reports matched rather than changed rows.
func prepareDSN(driver, dsn string) (string, error) {
	if driver != DriverMySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn failed: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}
