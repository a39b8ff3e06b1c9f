package store_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Archiver/internal/model"
	"github.com/CZERTAINLY/Archiver/internal/pdf/pdftest"
	"github.com/CZERTAINLY/Archiver/internal/store"
)

func open(t *testing.T) *store.SQLite {
	t.Helper()
	db, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "archiver.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestArtifacts(t *testing.T) {
	t.Parallel()
	db := open(t)
	ref := model.RecordRef{Repository: "docs", Record: "42"}
	dir := t.TempDir()

	_, err := db.GetArtifact(t.Context(), ref, model.DefaultField)
	require.ErrorIs(t, err, model.ErrNotFound)

	path := pdftest.Write(t, dir, "one.pdf", 1)
	artifact := model.Artifact{Path: path, MimeType: model.MimeTypePDF, FileName: "example-com.pdf", Pages: 1}
	require.NoError(t, db.CommitArtifact(t.Context(), ref, model.DefaultField, artifact))

	got, err := db.GetArtifact(t.Context(), ref, model.DefaultField)
	require.NoError(t, err)
	want, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got.Content)
	require.Equal(t, int64(len(want)), got.Size)
	require.Equal(t, "example-com.pdf", got.FileName)
	require.Equal(t, model.MimeTypePDF, got.MimeType)
	require.Equal(t, 1, got.Pages)
	require.WithinDuration(t, time.Now(), got.Stored, time.Minute)

	// a second commit replaces the field
	path = pdftest.Write(t, dir, "three.pdf", 3)
	artifact = model.Artifact{Path: path, MimeType: model.MimeTypePDF, FileName: "again.pdf", Pages: 3}
	require.NoError(t, db.CommitArtifact(t.Context(), ref, model.DefaultField, artifact))
	got, err = db.GetArtifact(t.Context(), ref, model.DefaultField)
	require.NoError(t, err)
	require.Equal(t, "again.pdf", got.FileName)
	require.Equal(t, 3, got.Pages)

	_, err = db.GetArtifact(t.Context(), ref, "file:other")
	require.ErrorIs(t, err, model.ErrNotFound)

	// missing file can't be committed
	err = db.CommitArtifact(t.Context(), ref, model.DefaultField, model.Artifact{Path: filepath.Join(dir, "gone.pdf")})
	require.Error(t, err)
}

func TestEvents(t *testing.T) {
	t.Parallel()
	db := open(t)
	ref := model.RecordRef{Repository: "docs", Record: "42"}
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	events := []model.CompletionEvent{
		{ID: "e1", Type: model.EventArchived, Repository: "docs", RecordRef: "42", Field: model.DefaultField, URL: "https://example.com", JobID: "j1", Time: now},
		{ID: "e2", Type: model.EventArchived, Repository: "docs", RecordRef: "42", Field: model.DefaultField, URL: "https://example.org", JobID: "j2", Time: now.Add(time.Second)},
		{ID: "e3", Type: model.EventArchived, Repository: "docs", RecordRef: "43", Field: model.DefaultField, URL: "https://example.net", JobID: "j3", Time: now},
	}
	for _, e := range events {
		require.NoError(t, db.Publish(t.Context(), e))
	}
	// event ids are unique
	require.Error(t, db.Publish(t.Context(), events[0]))

	got, err := db.Events(t.Context(), ref)
	require.NoError(t, err)
	require.Equal(t, events[:2], got)
}

func TestInMemory(t *testing.T) {
	db, err := store.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	got, err := db.Events(t.Context(), model.RecordRef{Repository: "r", Record: "1"})
	require.NoError(t, err)
	require.Empty(t, got)
}
