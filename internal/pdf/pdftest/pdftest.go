// Package pdftest builds small, structurally valid PDF documents for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Build returns a PDF with the given number of pages, each page showing text.
func Build(pages int, text string) []byte {
	return build(pages, text, false)
}

// BuildMissingContent returns a PDF with an intact trailer whose last page
// refers to a content stream marked free in the xref table.
func BuildMissingContent(pages int) []byte {
	return build(pages, "missing content", true)
}

func build(pages int, text string, dropLast bool) []byte {
	// objects: 1 catalog, 2 pages, 3 font, then page + content pairs
	var objects []string
	kids := make([]string, 0, pages)
	for i := range pages {
		kids = append(kids, fmt.Sprintf("%d 0 R", 4+2*i))
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", join(kids), pages),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	)
	for i := range pages {
		stream := fmt.Sprintf("BT /F1 18 Tf 72 720 Td (%s %d) Tj ET", text, i+1)
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	last := len(objects) - 1
	for i, obj := range objects {
		if dropLast && i == last {
			continue
		}
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f\r\n")
	for i, off := range offsets {
		if dropLast && i == last {
			buf.WriteString("0000000000 00001 f\r\n")
			continue
		}
		fmt.Fprintf(&buf, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

// Write stores a document built by Build into dir and returns its path.
func Write(t *testing.T, dir, name string, pages int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, Build(pages, "archived page"), 0o644)
	require.NoError(t, err)
	return path
}

// Truncated returns a document cut inside its first object, as left by a
// tool killed while writing.
func Truncated(pages int) []byte {
	b := Build(pages, "truncated page")
	return b[:40]
}

// TruncatedBefore returns a document cut right before the last occurrence
// of marker, for example "xref" or "%%EOF".
func TruncatedBefore(pages int, marker string) []byte {
	b := Build(pages, "truncated page")
	i := bytes.LastIndex(b, []byte(marker))
	if i < 0 {
		panic(fmt.Sprintf("pdftest: marker %q not found", marker))
	}
	return b[:i]
}

func join(refs []string) string {
	var buf bytes.Buffer
	for i, r := range refs {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(r)
	}
	return buf.String()
}
