package persona

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS personas (
		id         INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		avatar_url TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assignments (
		user_id    INTEGER PRIMARY KEY,
		persona_id INTEGER NOT NULL REFERENCES personas(id) ON DELETE CASCADE
	);
`

const metaNextID = "next_id"

// SQLiteBackend stores the snapshot in a SQLite database file. Each save
// replaces all rows in one transaction.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLiteBackend opens or creates the database at path.
func OpenSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("open sqlite backend: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open sqlite backend: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite backend: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, statement := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", sqliteSchema} {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open sqlite backend: %w", err)
		}
	}

	return &SQLiteBackend{db: db}, nil
}

// Load reads every table into a snapshot.
func (b *SQLiteBackend) Load(ctx context.Context) (Snapshot, error) {
	snapshot := EmptySnapshot()

	err := b.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaNextID).Scan(&snapshot.NextID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("load next id: %w", err)
	}

	personaRows, err := b.db.QueryContext(ctx, `SELECT id, name, avatar_url FROM personas`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load personas: %w", err)
	}
	defer personaRows.Close()
	for personaRows.Next() {
		var stored Persona
		if err := personaRows.Scan(&stored.ID, &stored.Name, &stored.AvatarURL); err != nil {
			return Snapshot{}, fmt.Errorf("scan persona: %w", err)
		}
		snapshot.Personas[stored.ID] = stored
	}
	if err := personaRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("load personas: %w", err)
	}

	assignmentRows, err := b.db.QueryContext(ctx, `SELECT user_id, persona_id FROM assignments`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load assignments: %w", err)
	}
	defer assignmentRows.Close()
	for assignmentRows.Next() {
		var userID, personaID int64
		if err := assignmentRows.Scan(&userID, &personaID); err != nil {
			return Snapshot{}, fmt.Errorf("scan assignment: %w", err)
		}
		snapshot.Assignments[userID] = personaID
	}
	if err := assignmentRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("load assignments: %w", err)
	}

	return snapshot, nil
}

// Save replaces all stored rows with snapshot.
func (b *SQLiteBackend) Save(ctx context.Context, snapshot Snapshot) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM assignments`); err != nil {
		return fmt.Errorf("save snapshot: clear assignments: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM personas`); err != nil {
		return fmt.Errorf("save snapshot: clear personas: %w", err)
	}
	if _, err = tx.ExecContext(
		ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaNextID,
		snapshot.NextID,
	); err != nil {
		return fmt.Errorf("save snapshot: next id: %w", err)
	}
	for _, stored := range sortedPersonas(snapshot.Personas) {
		if _, err = tx.ExecContext(
			ctx,
			`INSERT INTO personas (id, name, avatar_url) VALUES (?, ?, ?)`,
			stored.ID,
			stored.Name,
			stored.AvatarURL,
		); err != nil {
			return fmt.Errorf("save snapshot: persona %d: %w", stored.ID, err)
		}
	}
	for userID, personaID := range snapshot.Assignments {
		if _, err = tx.ExecContext(
			ctx,
			`INSERT INTO assignments (user_id, persona_id) VALUES (?, ?)`,
			userID,
			personaID,
		); err != nil {
			return fmt.Errorf("save snapshot: assignment for user %d: %w", userID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}

	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close sqlite backend: %w", err)
	}

	return nil
}
