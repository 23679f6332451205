package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/conflict"
	"github.com/FairForge/replisync/internal/vclock"
)

// SQL dialects
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const defaultTable = "replica_records"

// SQLSource is a relational replica. One row per key.
type SQLSource struct {
	name    string
	dialect string
	table   string
	db      *sql.DB
}

// NewSQLSource opens dsn with the given dialect and creates the records
// table if needed.
func NewSQLSource(ctx context.Context, name, dialect, dsn, table string) (*SQLSource, error) {
	if dsn == "" {
		return nil, common.ErrValidation("dsn", "sql source requires a dsn")
	}
	if table == "" {
		table = defaultTable
	}

	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite, "sqlite3":
		dialect = DialectSQLite
		driver = "sqlite"
	default:
		return nil, common.ErrValidation("driver", fmt.Sprintf("unsupported sql dialect %q", dialect))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == DialectSQLite {
		// A single connection keeps in-memory databases alive and avoids
		// SQLITE_BUSY on concurrent writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLSource{name: name, dialect: dialect, table: pq.QuoteIdentifier(table), db: db}
	if err := s.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSource) createTable(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		record_key TEXT PRIMARY KEY,
		version_id TEXT NOT NULL,
		vector_clock TEXT NOT NULL,
		last_modified BIGINT NOT NULL,
		content %s NOT NULL
	)`, s.table, blob)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// placeholder returns the n-th bind parameter for the dialect.
func (s *SQLSource) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLSource) Name() string { return s.name }

func (s *SQLSource) Snapshot(ctx context.Context, key string) (conflict.ConflictVersion, error) {
	query := fmt.Sprintf(
		`SELECT version_id, vector_clock, last_modified, content FROM %s WHERE record_key = %s`,
		s.table, s.placeholder(1))

	var (
		rec      Record
		clock    string
		modified int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&rec.VersionID, &clock, &modified, &rec.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return conflict.ConflictVersion{}, common.ErrNotFound(key, s.name)
	}
	if err != nil {
		return conflict.ConflictVersion{}, fmt.Errorf("select %s: %w", key, err)
	}

	rec.Clock, err = vclock.Parse([]byte(clock))
	if err != nil {
		return conflict.ConflictVersion{}, common.WrapData("snapshot", "corrupt vector clock for "+key, err)
	}
	if modified != 0 {
		rec.LastModified = time.Unix(0, modified).UTC()
	}
	if rec.Content == nil {
		rec.Content = []byte{}
	}
	return rec.Version(s.name), nil
}

func (s *SQLSource) Put(ctx context.Context, key string, rec Record) error {
	query := fmt.Sprintf(`INSERT INTO %s (record_key, version_id, vector_clock, last_modified, content)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (record_key) DO UPDATE SET
			version_id = excluded.version_id,
			vector_clock = excluded.vector_clock,
			last_modified = excluded.last_modified,
			content = excluded.content`,
		s.table, s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))

	content := rec.Content
	if content == nil {
		content = []byte{}
	}
	var modified int64
	if !rec.LastModified.IsZero() {
		modified = rec.LastModified.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, query,
		key, rec.VersionID, string(rec.Clock.Bytes()), modified, content)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}
