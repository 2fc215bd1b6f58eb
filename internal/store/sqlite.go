package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists turns in a local sqlite database. Schema changes go
// through golang-migrate so an upgrade never hand-edits a live database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// database/sql connection pooling fights sqlite's single-writer model.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRow(`SELECT COALESCE(MAX(turn_index)+1, 0) FROM turns WHERE session = ?`, turn.Session).Scan(&next)
	if err != nil {
		return err
	}
	if turn.Index != next {
		return fmt.Errorf("store: turn index %d for session %s, expected %d", turn.Index, turn.Session, next)
	}

	_, err = tx.Exec(`
		INSERT INTO turns (session, role, content, turn_index, created_at, tool_name, tool_args, tool_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.Session, turn.Role, turn.Content, turn.Index, turn.CreatedAt.Format(time.RFC3339Nano),
		turn.ToolName, turn.ToolArgs, turn.ToolDigest)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) History(session string) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT session, role, content, turn_index, created_at, tool_name, tool_args, tool_digest
		FROM turns WHERE session = ? ORDER BY turn_index`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var created string
		if err := rows.Scan(&t.Session, &t.Role, &t.Content, &t.Index, &created, &t.ToolName, &t.ToolArgs, &t.ToolDigest); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) NextIndex(session string) (int, error) {
	var next int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(turn_index)+1, 0) FROM turns WHERE session = ?`, session).Scan(&next)
	return next, err
}

func (s *SQLiteStore) List() ([]SessionInfo, error) {
	rows, err := s.db.Query(`
		SELECT session, COUNT(*), MIN(created_at), MAX(created_at)
		FROM turns GROUP BY session ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var created, updated string
		if err := rows.Scan(&info.Session, &info.TurnCount, &created, &updated); err != nil {
			return nil, err
		}
		info.Created, _ = time.Parse(time.RFC3339Nano, created)
		info.Updated, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(session string) error {
	_, err := s.db.Exec(`DELETE FROM turns WHERE session = ?`, session)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
