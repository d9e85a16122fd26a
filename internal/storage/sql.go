package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS beacons (
		id TEXT PRIMARY KEY,
		time_ns BIGINT NOT NULL,
		outcome TEXT NOT NULL,
		region TEXT NOT NULL DEFAULT '',
		frequency BIGINT NOT NULL DEFAULT 0,
		datarate TEXT NOT NULL DEFAULT '',
		signature_digest TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		details TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS beacons_time_idx ON beacons (time_ns)`,
	`CREATE TABLE IF NOT EXISTS event_logs (
		id TEXT PRIMARY KEY,
		created_at_ns BIGINT NOT NULL,
		type TEXT NOT NULL,
		level TEXT NOT NULL,
		description TEXT NOT NULL,
		details TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS event_logs_created_idx ON event_logs (created_at_ns)`,
}

// SQLStore implements Store on PostgreSQL or SQLite
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open opens the database and creates the schema
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverPostgres:
	case DriverSqlite:
		if !strings.Contains(dsn, "_pragma") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_pragma=busy_timeout(1000)&_pragma=journal_mode(WAL)"
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSqlite {
		// 单连接, 内存数据库也共享同一份数据
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
