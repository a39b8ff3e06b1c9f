// Package store keeps archived documents and completion events in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/Archiver/internal/model"
)

// Artifact is a document committed into a field of a record.
type Artifact struct {
	Repository string
	Record     string
	Field      string
	FileName   string
	MimeType   string
	Size       int64
	Pages      int
	Content    []byte
	Stored     time.Time
}

// SQLite is the record store. It implements the scheduler RecordStore and
// Publisher interfaces.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, ":memory:" is accepted.
func Open(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository TEXT NOT NULL,
			record TEXT NOT NULL,
			field TEXT NOT NULL,
			file_name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			pages INTEGER NOT NULL,
			content BLOB NOT NULL,
			stored TEXT NOT NULL,
			UNIQUE (repository, record, field)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			repository TEXT NOT NULL,
			record TEXT NOT NULL,
			field TEXT NOT NULL,
			url TEXT NOT NULL,
			job_id TEXT NOT NULL,
			time TEXT NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing database: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// CommitArtifact stores the artifact content into the field of a record,
// replacing the previous value.
func (s *SQLite) CommitArtifact(ctx context.Context, ref model.RecordRef, field string, artifact model.Artifact) error {
	content, err := artifact.Bytes()
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO artifacts (repository, record, field, file_name, mime_type, size, pages, content, stored)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (repository, record, field) DO UPDATE SET
			file_name = excluded.file_name,
			mime_type = excluded.mime_type,
			size = excluded.size,
			pages = excluded.pages,
			content = excluded.content,
			stored = excluded.stored;`,
		ref.Repository, ref.Record, field,
		artifact.FileName, artifact.MimeType, int64(len(content)), artifact.Pages, content,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	slog.DebugContext(ctx, "artifact committed",
		"repository", ref.Repository,
		"record", ref.Record,
		"field", field,
		"size", len(content),
	)
	return nil
}

// GetArtifact returns model.ErrNotFound when the field holds no document.
func (s *SQLite) GetArtifact(ctx context.Context, ref model.RecordRef, field string) (Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT file_name, mime_type, size, pages, content, stored
		FROM artifacts WHERE repository=? AND record=? AND field=?`,
		ref.Repository, ref.Record, field,
	)
	a := Artifact{Repository: ref.Repository, Record: ref.Record, Field: field}
	var stored string
	err := row.Scan(&a.FileName, &a.MimeType, &a.Size, &a.Pages, &a.Content, &stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Artifact{}, model.ErrNotFound
	case err != nil:
		return Artifact{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	a.Stored, err = time.Parse(time.RFC3339Nano, stored)
	if err != nil {
		return Artifact{}, fmt.Errorf("parsing stored time: %w", err)
	}
	return a, nil
}

// Publish appends the event to the event log.
func (s *SQLite) Publish(ctx context.Context, event model.CompletionEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (uuid, type, repository, record, field, url, job_id, time)
		VALUES (?,?,?,?,?,?,?,?);`,
		event.ID, event.Type, event.Repository, event.RecordRef, event.Field, event.URL, event.JobID,
		event.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// Events returns events of a record in insertion order.
func (s *SQLite) Events(ctx context.Context, ref model.RecordRef) ([]model.CompletionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, type, repository, record, field, url, job_id, time
		FROM events WHERE repository=? AND record=? ORDER BY id`,
		ref.Repository, ref.Record,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []model.CompletionEvent
	for rows.Next() {
		var e model.CompletionEvent
		var ts string
		if err := rows.Scan(&e.ID, &e.Type, &e.Repository, &e.RecordRef, &e.Field, &e.URL, &e.JobID, &ts); err != nil {
			return nil, fmt.Errorf("scanning sql row failed: %w", err)
		}
		if e.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing event time: %w", err)
		}
		ret = append(ret, e)
	}
	return ret, rows.Err()
}

func rollback(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
	}
}
