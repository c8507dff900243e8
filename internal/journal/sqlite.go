package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink writes events to a SQLite table.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens dsn and creates the events table if needed.
// DSN forms: "sqlite:///path/to/file.db", "/path/to/file.db", ":memory:".
func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	// One connection keeps ":memory:" databases from splitting per connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS gateway_events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TIMESTAMP NOT NULL,
		event TEXT NOT NULL,
		pid INTEGER,
		code INTEGER,
		signal TEXT,
		error TEXT,
		detail TEXT
	);`)
	return err
}

func (s *SQLiteSink) Send(ctx context.Context, e Event) error {
	var code sql.NullInt64
	if e.Code != nil {
		code = sql.NullInt64{Int64: int64(*e.Code), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_events(ts, event, pid, code, signal, error, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.Timestamp.UTC(), string(e.Kind), e.PID, code, e.Signal, e.Error, e.Detail)
	return err
}

// Recent returns the last n events, oldest first.
func (s *SQLiteSink) Recent(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, event, pid, code, signal, error, detail FROM (
			SELECT * FROM gateway_events ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e      Event
			ts     time.Time
			kind   string
			code   sql.NullInt64
			signal sql.NullString
			errStr sql.NullString
			detail sql.NullString
		)
		if err := rows.Scan(&ts, &kind, &e.PID, &code, &signal, &errStr, &detail); err != nil {
			return nil, err
		}
		e.Timestamp = ts
		e.Kind = Kind(kind)
		if code.Valid {
			c := int(code.Int64)
			e.Code = &c
		}
		e.Signal = signal.String
		e.Error = errStr.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteSink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
