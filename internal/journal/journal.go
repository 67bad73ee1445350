// Package journal keeps a local sqlite log of replay attempts made by the
// offline queue. It is only read for diagnostics, the queue is never restored
// from it.
package journal

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlCreateTable = `
    CREATE TABLE IF NOT EXISTS replay_journal (
      seq        INTEGER PRIMARY KEY AUTOINCREMENT,
      request_id TEXT NOT NULL,
      method     TEXT NOT NULL,
      path       TEXT NOT NULL,
      attempt    INTEGER NOT NULL,
      outcome    TEXT NOT NULL,
      error      TEXT NOT NULL DEFAULT '',
      recorded   DATETIME NOT NULL
    );
  `

	sqlInsert = `
    INSERT INTO replay_journal (
      request_id, method, path, attempt, outcome, error, recorded
    ) VALUES (?, ?, ?, ?, ?, ?, ?);
  `

	sqlSelectRecent = `
    SELECT request_id, method, path, attempt, outcome, error, recorded
    FROM replay_journal
    ORDER BY seq DESC
    LIMIT ?;
  `

	sqlCountTotal = `
    SELECT COUNT(*) FROM replay_journal;
  `
)

type Outcome string

const (
	OutcomeReplayed Outcome = "replayed"
	OutcomeRequeued Outcome = "requeued"
	OutcomeDropped  Outcome = "dropped"
)

// Entry is one replay attempt of a queued request.
type Entry struct {
	RequestID string    `json:"request_id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Attempt   int       `json:"attempt"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type SQLiteJournal struct {
	db *sql.DB
}

// Open creates the journal table in the given sqlite file if needed.
// ":memory:" works too.
func Open(dbName string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1) // prevents locks on inserting

	if _, err = db.Exec(sqlCreateTable); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Shutdown() error {
	return j.db.Close()
}

func (j *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	_, err := j.db.ExecContext(
		ctx, sqlInsert,
		e.RequestID, e.Method, e.Path, e.Attempt, string(e.Outcome), e.Error, e.At.UTC(),
	)

	return err
}

// Recent returns up to limit entries, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, sqlSelectRecent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			outcome string
		)

		err = rows.Scan(&e.RequestID, &e.Method, &e.Path, &e.Attempt, &outcome, &e.Error, &e.At)
		if err != nil {
			return nil, err
		}

		e.Outcome = Outcome(outcome)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (j *SQLiteJournal) Total() (cnt uint64) {
	_ = j.db.QueryRow(sqlCountTotal).Scan(&cnt)
	return
}
