package convert

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/CZERTAINLY/Archiver/internal/model"
)

// checkValue rejects values which could leave the quotes around a
// placeholder, or split into more arguments.
func checkValue(name, value string) error {
	i := strings.IndexFunc(value, func(r rune) bool {
		return r == '"' || r == '\'' || r == '\\' || r == '`' || unicode.IsSpace(r) || unicode.IsControl(r)
	})
	if i >= 0 {
		return fmt.Errorf("%w: %s contains %q", model.ErrUnsafeValue, name, value[i:i+1])
	}
	return nil
}

func parseURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty", model.ErrInvalidURL)
	}
	if err := checkValue("url", raw); err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", model.ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", model.ErrInvalidURL)
	}
	return u, nil
}

// FileName derives a document name from the url host, dots become dashes:
// https://example.com/page is example-com.pdf.
func FileName(u *url.URL) string {
	host := u.Hostname()
	if host == "" {
		host = "document"
	}
	return strings.ReplaceAll(host, ".", "-") + model.ExtensionPDF
}
