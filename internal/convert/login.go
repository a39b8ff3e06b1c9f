package convert

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Archiver/internal/command"
	"github.com/CZERTAINLY/Archiver/internal/log"
	"github.com/CZERTAINLY/Archiver/internal/model"
)

// Login runs a login template, whose form fields carry the credentials,
// and returns the cookie jar the tool stored. loginURL substitutes {url}
// when not empty.
func (s *Service) Login(ctx context.Context, templateID, loginURL string) (model.CookieJar, error) {
	return s.login(ctx, orDefault(templateID, s.loginTemplate), loginURL, nil)
}

// LoginWithCredentials substitutes each credential k=v into a {k}
// placeholder of the login template. It is meant for integration tests
// and fails with model.ErrTestOnly unless test mode is enabled.
func (s *Service) LoginWithCredentials(ctx context.Context, templateID string, creds map[string]string) (model.CookieJar, error) {
	if !s.testMode {
		return model.CookieJar{}, model.ErrTestOnly
	}
	return s.login(ctx, orDefault(templateID, s.loginTemplate), "", creds)
}

func (s *Service) login(ctx context.Context, templateID, loginURL string, creds map[string]string) (model.CookieJar, error) {
	tmpl, err := s.template(templateID)
	if err != nil {
		return model.CookieJar{}, err
	}
	if err := checkLoginValues(loginURL, creds); err != nil {
		return model.CookieJar{}, err
	}
	ctx = log.ContextAttrs(ctx, slog.String("template", tmpl.ID))

	// the tool must create the jar itself, an existing file would prove nothing
	jar, err := s.temp.Create(model.TempPatternCookie)
	if err != nil {
		return model.CookieJar{}, err
	}
	removeQuietly(ctx, jar)

	output, err := s.temp.Create(model.TempPatternPDF)
	if err != nil {
		return model.CookieJar{}, err
	}
	defer removeQuietly(ctx, output)

	values := command.Values{
		CookieJar:      jar,
		URL:            loginURL,
		TargetFilePath: output,
		Extra:          creds,
	}
	if _, err := s.run(ctx, tmpl, values, 0, output); err != nil {
		removeQuietly(ctx, jar)
		return model.CookieJar{}, err
	}

	if info, err := os.Stat(jar); err != nil || !info.Mode().IsRegular() {
		cl := command.Resolve(tmpl, values)
		if err == nil {
			err = fmt.Errorf("%s is not a regular file", jar)
		}
		return model.CookieJar{}, &model.ConversionError{
			CommandLine: cl.String(),
			ExitCode:    -1,
			Cause:       fmt.Errorf("cookie jar was not created: %w", err),
		}
	}
	slog.InfoContext(ctx, "login succeeded", "cookie_jar", jar)
	return model.CookieJar{Path: jar}, nil
}

func checkLoginValues(loginURL string, creds map[string]string) error {
	if loginURL != "" {
		if _, err := parseURL(loginURL); err != nil {
			return err
		}
	}
	for _, k := range slices.Sorted(maps.Keys(creds)) {
		if strings.TrimSpace(k) == "" || model.IsReserved(k) {
			return fmt.Errorf("%w: credential name %q", model.ErrUnsafeValue, k)
		}
		if err := checkValue("credential "+k, creds[k]); err != nil {
			return err
		}
	}
	return nil
}
