package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name       string
	DriverName string
	TimeType   string
	ph         func(n int) string
	encodeTime func(t time.Time) any
}

var (
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		TimeType:   "TEXT",
		ph:         func(int) string { return "?" },
		encodeTime: func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
	}
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "postgres",
		TimeType:   "TIMESTAMPTZ",
		ph:         func(n int) string { return fmt.Sprintf("$%d", n) },
		encodeTime: func(t time.Time) any { return t.UTC() },
	}
)

// SQLStore implements Store on database/sql. The UNIQUE primary key on
// identifier makes Claim atomic across goroutines and processes.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	qSeen   string
	qClaim  string
	qForget string
	qLookup string
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	p := dialect.ph
	return &SQLStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		qSeen:   "SELECT 1 FROM seen_candidates WHERE identifier = " + p(1),
		qClaim: "INSERT INTO seen_candidates (identifier, first_seen) VALUES (" + p(1) + ", " + p(2) + ") " +
			"ON CONFLICT (identifier) DO NOTHING",
		qForget: "DELETE FROM seen_candidates WHERE identifier = " + p(1),
		qLookup: "SELECT identifier, first_seen FROM seen_candidates WHERE identifier = " + p(1),
	}
}

func (s *SQLStore) schema() string {
	return `
CREATE TABLE IF NOT EXISTS seen_candidates (
	identifier TEXT PRIMARY KEY,
	first_seen ` + s.dialect.TimeType + ` NOT NULL
);`
}

// Init creates the table if needed.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schema()); err != nil {
		return unavailable("init", err)
	}
	return nil
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, unavailable("create data dir", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open(SQLite.DriverName, dsn)
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}
	// One writer connection; concurrent claims serialize on it.
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, SQLite)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open(Postgres.DriverName, dsn)
	if err != nil {
		return nil, unavailable("open postgres", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping postgres", err)
	}
	s := NewSQLStore(db, Postgres)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Seen(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.qSeen, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("seen", err)
	}
	return true, nil
}

func (s *SQLStore) Record(ctx context.Context, id string) error {
	_, err := s.Claim(ctx, id)
	return err
}

func (s *SQLStore) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.qClaim, id, s.dialect.encodeTime(s.now()))
	if err != nil {
		return false, unavailable("claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("claim rows affected", err)
	}
	return n == 1, nil
}

func (s *SQLStore) Forget(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.qForget, id); err != nil {
		return unavailable("forget", err)
	}
	return nil
}

func (s *SQLStore) Lookup(ctx context.Context, id string) (Record, error) {
	var (
		rec Record
		ts  any
	)
	err := s.db.QueryRowContext(ctx, s.qLookup, id).Scan(&rec.Identifier, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, unavailable("lookup", err)
	}
	rec.FirstSeen = decodeTime(ts)
	return rec, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func decodeTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}
	}
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
