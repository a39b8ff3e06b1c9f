package pdf_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/CZERTAINLY/Archiver/internal/pdf"
	"github.com/CZERTAINLY/Archiver/internal/pdf/pdftest"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	write := func(name string, content []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, content, 0o644))
		return path
	}

	t.Run("one page", func(t *testing.T) {
		path := pdftest.Write(t, dir, "one.pdf", 1)
		pages, err := pdf.Inspect(path)
		require.NoError(t, err)
		require.Equal(t, 1, pages)
		require.True(t, pdf.IsValid(path))
	})

	t.Run("three pages", func(t *testing.T) {
		path := pdftest.Write(t, dir, "three.pdf", 3)
		pages, err := pdf.Inspect(path)
		require.NoError(t, err)
		require.Equal(t, 3, pages)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := pdf.Inspect(filepath.Join(dir, "nope.pdf"))
		require.ErrorIs(t, err, pdf.ErrMissing)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := pdf.Inspect(dir)
		require.ErrorIs(t, err, pdf.ErrMissing)
	})

	t.Run("empty", func(t *testing.T) {
		path := write("empty.pdf", nil)
		_, err := pdf.Inspect(path)
		require.ErrorIs(t, err, pdf.ErrEmpty)
		require.False(t, pdf.IsValid(path))
	})

	t.Run("not a pdf", func(t *testing.T) {
		path := write("page.pdf", []byte("<html><body>404 not found</body></html>"))
		_, err := pdf.Inspect(path)
		require.ErrorIs(t, err, pdf.ErrMalformed)
	})

	t.Run("truncated", func(t *testing.T) {
		path := write("truncated.pdf", pdftest.Truncated(2))
		require.False(t, pdf.IsValid(path))
	})

	t.Run("missing content stream", func(t *testing.T) {
		path := write("missing-content.pdf", pdftest.BuildMissingContent(2))
		_, err := pdf.Inspect(path)
		require.ErrorIs(t, err, pdf.ErrMalformed)
	})

	t.Run("no pages", func(t *testing.T) {
		path := write("zero.pdf", pdftest.Build(0, "none"))
		require.False(t, pdf.IsValid(path))
	})
}

var startxref = regexp.MustCompile(`startxref\n\d+`)

func TestInspectTruncated(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	var testCases = []struct {
		scenario string
		given    []byte
	}{
		{"inside the last object", pdftest.TruncatedBefore(2, "endobj")},
		{"before xref", pdftest.TruncatedBefore(2, "xref\n0")},
		{"before trailer", pdftest.TruncatedBefore(2, "trailer")},
		{"before startxref", pdftest.TruncatedBefore(2, "startxref")},
		{"before %%EOF", pdftest.TruncatedBefore(2, "%%EOF")},
		{"startxref at the header", startxref.ReplaceAll(pdftest.Build(2, "x"), []byte("startxref\n0"))},
		{"startxref beyond the end", startxref.ReplaceAll(pdftest.Build(2, "x"), []byte("startxref\n99999"))},
	}

	for i, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			path := filepath.Join(dir, fmt.Sprintf("case-%d.pdf", i))
			require.NoError(t, os.WriteFile(path, tc.given, 0o644))
			pages, err := pdf.Inspect(path)
			require.ErrorIs(t, err, pdf.ErrMalformed)
			require.Zero(t, pages)
		})
	}
}

// TestInspectEveryCut cuts a document at every offset before the end of its
// %%EOF marker, none of the prefixes is a valid document.
func TestInspectEveryCut(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	doc := pdftest.Build(2, "x")
	end := bytes.LastIndex(doc, []byte("%%EOF")) + len("%%EOF")

	path := filepath.Join(dir, "cut.pdf")
	for n := 1; n < end; n++ {
		require.NoError(t, os.WriteFile(path, doc[:n], 0o644))
		require.False(t, pdf.IsValid(path), "cut at %d of %d", n, len(doc))
	}

	require.NoError(t, os.WriteFile(path, doc[:end], 0o644))
	pages, err := pdf.Inspect(path)
	require.NoError(t, err)
	require.Equal(t, 2, pages)
}
