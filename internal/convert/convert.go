// Package convert turns webpages into PDF documents with an external tool.
//
// A conversion looks up a command template, refuses it unless all its
// placeholders are quoted, resolves the placeholders and runs the tool
// under a watchdog. The exit code of the tool is ignored: the produced file
// must pass a structural PDF validation, otherwise the conversion fails
// with a *model.ConversionError carrying the diagnostics.
package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/CZERTAINLY/Archiver/internal/command"
	"github.com/CZERTAINLY/Archiver/internal/log"
	"github.com/CZERTAINLY/Archiver/internal/model"
	"github.com/CZERTAINLY/Archiver/internal/pdf"
)

// Templates looks up command templates by id.
type Templates interface {
	Lookup(id string) (model.CommandTemplate, bool)
}

// Runner executes a resolved command line under a timeout.
type Runner interface {
	Run(ctx context.Context, cl model.CommandLine, timeout time.Duration) model.RunResult
}

// OutputValidator inspects a produced document and returns its page count.
type OutputValidator interface {
	Inspect(path string) (int, error)
}

type Service struct {
	templates       Templates
	validator       *command.Validator
	runner          Runner
	output          OutputValidator
	temp            TempProvider
	lookPath        func(string) (string, error)
	defaultTemplate string
	loginTemplate   string
	timeoutMs       int64
	testMode        bool
}

// New returns a service with its own validation cache, PDF output
// validation and the OS temp dir.
func New(templates Templates, runner Runner) *Service {
	return &Service{
		templates:       templates,
		validator:       command.NewValidator(command.NewValidationCache()),
		runner:          runner,
		output:          pdf.Validator{},
		temp:            DirTempProvider{},
		lookPath:        exec.LookPath,
		defaultTemplate: model.DefaultTemplateID,
		loginTemplate:   model.DefaultLoginTemplateID,
		timeoutMs:       model.DefaultTimeoutMs,
	}
}

// FromConfig builds the template registry and the service from the
// converter section of the configuration.
func FromConfig(cfg model.Config, runner Runner) (*Service, error) {
	registry, err := command.NewRegistry(cfg.TemplateList()...)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	if _, ok := registry.Lookup(cfg.DefaultTemplate()); !ok {
		return nil, fmt.Errorf("converter.default_template %q: %w", cfg.DefaultTemplate(), model.ErrTemplateNotFound)
	}
	timeoutMs, err := cfg.TimeoutMs()
	if err != nil {
		return nil, fmt.Errorf("parsing converter.timeout: %w", err)
	}
	return New(registry, runner).
		WithDefaultTemplate(cfg.DefaultTemplate()).
		WithLoginTemplate(cfg.LoginTemplate()).
		WithTimeoutMs(timeoutMs).
		WithTempProvider(DirTempProvider{Dir: cfg.TempDir()}).
		WithTestMode(cfg.TestMode()), nil
}

// WithValidationCache shares validation results with other services.
func (s *Service) WithValidationCache(cache *command.ValidationCache) *Service {
	s.validator = command.NewValidator(cache)
	return s
}

func (s *Service) WithOutputValidator(v OutputValidator) *Service {
	s.output = v
	return s
}

func (s *Service) WithTempProvider(p TempProvider) *Service {
	s.temp = p
	return s
}

func (s *Service) WithDefaultTemplate(id string) *Service {
	s.defaultTemplate = id
	return s
}

func (s *Service) WithLoginTemplate(id string) *Service {
	s.loginTemplate = id
	return s
}

// WithTimeoutMs sets the timeout of requests which do not set their own.
func (s *Service) WithTimeoutMs(ms int64) *Service {
	s.timeoutMs = ms
	return s
}

// WithTestMode allows LoginWithCredentials.
func (s *Service) WithTestMode(enabled bool) *Service {
	s.testMode = enabled
	return s
}

// Convert produces a PDF of req.URL. The returned artifact is a temporary
// file owned by the caller.
func (s *Service) Convert(ctx context.Context, req model.ConversionRequest) (model.Artifact, error) {
	tmpl, err := s.template(orDefault(req.TemplateID, s.defaultTemplate))
	if err != nil {
		return model.Artifact{}, err
	}
	u, err := parseURL(req.URL)
	if err != nil {
		return model.Artifact{}, err
	}
	if req.CookieJar != "" {
		if err := checkValue("cookie jar", req.CookieJar); err != nil {
			return model.Artifact{}, err
		}
	}
	ctx = log.ContextAttrs(ctx, slog.String("template", tmpl.ID), slog.String("url", req.URL))

	output, err := s.temp.Create(model.TempPatternPDF)
	if err != nil {
		return model.Artifact{}, err
	}
	values := command.Values{
		CookieJar:      req.CookieJar,
		URL:            req.URL,
		TargetFilePath: output,
	}
	pages, err := s.run(ctx, tmpl, values, req.TimeoutMs, output)
	if err != nil {
		removeQuietly(ctx, output)
		return model.Artifact{}, err
	}

	info, err := os.Stat(output)
	if err != nil {
		removeQuietly(ctx, output)
		return model.Artifact{}, fmt.Errorf("%w: %w", pdf.ErrMissing, err)
	}
	name := strings.TrimSpace(req.OutputName)
	if name == "" {
		name = FileName(u)
	}
	slog.InfoContext(ctx, "webpage converted", "pages", pages, "size", info.Size())
	return model.Artifact{
		Path:     output,
		MimeType: model.MimeTypePDF,
		FileName: name,
		Size:     info.Size(),
		Pages:    pages,
	}, nil
}

// Available reports whether the template exists and its tool can be found.
func (s *Service) Available(templateID string) bool {
	tmpl, ok := s.templates.Lookup(orDefault(templateID, s.defaultTemplate))
	if !ok {
		return false
	}
	_, err := s.lookPath(tmpl.Command)
	return err == nil
}

// template returns a template which is safe to run with an available tool.
func (s *Service) template(id string) (model.CommandTemplate, error) {
	tmpl, ok := s.templates.Lookup(id)
	if !ok {
		return model.CommandTemplate{}, fmt.Errorf("%w: %q", model.ErrTemplateNotFound, id)
	}
	if !s.validator.Validate(tmpl) {
		return model.CommandTemplate{}, fmt.Errorf("%w: %q", model.ErrUnsafeTemplate, id)
	}
	if _, err := s.lookPath(tmpl.Command); err != nil {
		return model.CommandTemplate{}, fmt.Errorf("%w: %w", model.ErrToolUnavailable, err)
	}
	return tmpl, nil
}

// run executes the tool and validates output, the exit code only goes to
// the diagnostics.
func (s *Service) run(ctx context.Context, tmpl model.CommandTemplate, values command.Values, timeoutMs int64, output string) (int, error) {
	if timeoutMs <= 0 {
		timeoutMs = s.timeoutMs
	}
	cl := command.Resolve(tmpl, values)
	res := s.runner.Run(ctx, cl, model.EffectiveTimeout(timeoutMs))

	pages, err := s.output.Inspect(output)
	if err != nil {
		cerr := &model.ConversionError{
			CommandLine:         cl.String(),
			ExitCode:            res.ExitCode,
			TerminatedByTimeout: res.TerminatedByTimeout,
			LaunchErr:           res.LaunchErr,
			Cause:               err,
		}
		slog.ErrorContext(ctx, "conversion failed",
			"exit_code", res.ExitCode,
			"timed_out", res.TerminatedByTimeout,
			"error", err,
		)
		return 0, cerr
	}
	if res.ExitCode != 0 {
		slog.DebugContext(ctx, "tool exited with non zero code: output is valid", "exit_code", res.ExitCode)
	}
	return pages, nil
}

func removeQuietly(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.WarnContext(ctx, "can't remove temporary file", "path", path, "error", err)
	}
}

func orDefault(id, def string) string {
	if strings.TrimSpace(id) == "" {
		return def
	}
	return id
}
