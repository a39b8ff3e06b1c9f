// Package pdf validates documents produced by the conversion tool.
//
// The tool exit code can not be trusted: a valid document comes with a non
// zero code and a truncated one with zero. A document is therefore accepted
// only when it ends with a cross reference section, parses without repairs
// and has at least one page whose content streams all resolve.
package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

var (
	ErrMissing   = errors.New("output file does not exist")
	ErrEmpty     = errors.New("output file is empty")
	ErrMalformed = errors.New("output file is not a well formed pdf")
	ErrNoPages   = errors.New("output pdf has no pages")
)

// tailSize is the part of the file searched for the trailer, %%EOF must be
// within the last KiB.
const tailSize = 1024

var xrefStream = regexp.MustCompile(`^\d+\s+\d+\s+obj\b`)

func init() {
	// pdfcpu must not create its configuration in the user config dir
	pdfmodel.ConfigPath = "disable"
}

// Inspect returns the number of pages of a valid document at path, or
// the reason why the document is rejected.
func Inspect(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMissing, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", ErrMissing, path)
	}
	if info.Size() == 0 {
		return 0, ErrEmpty
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMissing, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err := checkTail(f, info.Size()); err != nil {
		return 0, err
	}
	pages, err := parse(f)
	if err != nil {
		return 0, err
	}
	if pages < 1 {
		return 0, ErrNoPages
	}
	return pages, nil
}

func parse(f *os.File) (pages int, err error) {
	// pdfcpu panics on some broken inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed

	ctx, err := api.ReadContext(f, conf)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := checkContents(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return ctx.PageCount, nil
}

// checkTail requires the startxref section and the %%EOF marker a writer
// emits last, the offset must point at an xref table or an xref stream.
// pdfcpu rebuilds a missing xref table in relaxed mode, so a document cut
// off while written would parse otherwise.
func checkTail(f *os.File, size int64) error {
	n := min(size, tailSize)
	tail := make([]byte, n)
	if _, err := f.ReadAt(tail, size-n); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	eof := bytes.LastIndex(tail, []byte("%%EOF"))
	if eof < 0 {
		return fmt.Errorf("%w: missing %%%%EOF marker", ErrMalformed)
	}
	sx := bytes.LastIndex(tail[:eof], []byte("startxref"))
	if sx < 0 {
		return fmt.Errorf("%w: missing startxref", ErrMalformed)
	}
	raw := bytes.TrimSpace(tail[sx+len("startxref") : eof])
	offset, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || offset < 0 || offset >= size {
		return fmt.Errorf("%w: invalid startxref offset %q", ErrMalformed, raw)
	}

	head := make([]byte, min(32, size-offset))
	if _, err := f.ReadAt(head, offset); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	head = bytes.TrimLeft(head, " \t\r\n\f\x00")
	if bytes.HasPrefix(head, []byte("xref")) || xrefStream.Match(head) {
		return nil
	}
	return fmt.Errorf("%w: startxref %d does not point at a cross reference section", ErrMalformed, offset)
}

// checkContents dereferences the content streams of every page.
func checkContents(ctx *pdfmodel.Context) error {
	for nr := 1; nr <= ctx.PageCount; nr++ {
		d, _, _, err := ctx.PageDict(nr, false)
		if err != nil {
			return fmt.Errorf("page %d: %w", nr, err)
		}
		if d == nil {
			return fmt.Errorf("page %d: missing", nr)
		}
		o, found := d.Find("Contents")
		if !found {
			// a blank page
			continue
		}
		o, err = ctx.Dereference(o)
		if err != nil {
			return fmt.Errorf("page %d contents: %w", nr, err)
		}
		if o == nil {
			return fmt.Errorf("page %d: contents object is missing", nr)
		}
		arr, ok := o.(types.Array)
		if !ok {
			continue
		}
		for _, e := range arr {
			so, err := ctx.Dereference(e)
			if err != nil {
				return fmt.Errorf("page %d contents: %w", nr, err)
			}
			if so == nil {
				return fmt.Errorf("page %d: contents stream is missing", nr)
			}
		}
	}
	return nil
}

// IsValid reports whether path holds a well formed pdf with at least one page.
func IsValid(path string) bool {
	_, err := Inspect(path)
	return err == nil
}

// Validator exposes Inspect to the conversion service.
type Validator struct{}

func (Validator) Inspect(path string) (int, error) {
	return Inspect(path)
}
