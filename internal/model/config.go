package model

import (
	"context"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultTemplateID      = "wkhtmlToPdf"
	DefaultLoginTemplateID = "wkhtmlToPdf-login"
	DefaultAddr            = "localhost:8080"
	DefaultMaxAttempts     = 3
	DefaultQueueSize       = 100
	DefaultStorePath       = "archiver.db"
	DefaultJanitorCron     = "@hourly"
	DefaultJanitorMaxAge   = "PT24H"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int               `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service           `json:"service" yaml:"service"`
	Converter *Converter        `json:"converter,omitempty" yaml:"converter,omitempty"`
	Templates []CommandTemplate `json:"templates,omitempty" yaml:"templates,omitempty"`
	Scheduler *Scheduler        `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Store     *Store            `json:"store,omitempty" yaml:"store,omitempty"`
	Events    *Events           `json:"events,omitempty" yaml:"events,omitempty"`
	Janitor   *Janitor          `json:"janitor,omitempty" yaml:"janitor,omitempty"`
}

type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"
	Addr    *string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// Converter settings, timeout is an ISO8601 duration.
type Converter struct {
	DefaultTemplate *string `json:"default_template,omitempty" yaml:"default_template,omitempty"`
	LoginTemplate   *string `json:"login_template,omitempty" yaml:"login_template,omitempty"`
	Timeout         *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	TempDir         *string `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty"`
	TestMode        *bool   `json:"test_mode,omitempty" yaml:"test_mode,omitempty"`
}

type Scheduler struct {
	Workers     *int `json:"workers,omitempty" yaml:"workers,omitempty"` // 0 => derived from GOMAXPROCS
	MaxAttempts *int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Queue       *int `json:"queue,omitempty" yaml:"queue,omitempty"`
}

type Store struct {
	Path string `json:"path" yaml:"path"`
}

type Events struct {
	Log     *bool    `json:"log,omitempty" yaml:"log,omitempty"`
	Webhook *Webhook `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

type Webhook struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     string `json:"url" yaml:"url"`
}

type Janitor struct {
	Enabled *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Cron    *string `json:"cron,omitempty" yaml:"cron,omitempty"`
	MaxAge  *string `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

// DefaultTemplates returns the wkhtmltopdf contributions. Error handling
// options keep the tool from blocking on broken pages.
func DefaultTemplates() []CommandTemplate {
	const common = `-q --load-error-handling ignore --load-media-error-handling ignore`
	return []CommandTemplate{
		{
			ID:         DefaultTemplateID,
			Command:    "wkhtmltopdf",
			Parameters: common + ` "{url}" "{targetFilePath}"`,
		},
		{
			ID:         "wkhtmlToPdf-authenticated",
			Command:    "wkhtmltopdf",
			Parameters: common + ` --cookie-jar "{cookieJar}" "{url}" "{targetFilePath}"`,
		},
		{
			ID:         DefaultLoginTemplateID,
			Command:    "wkhtmltopdf",
			Parameters: common + ` --cookie-jar "{cookieJar}" --post username USER --post password PASSWORD "{url}" "{targetFilePath}"`,
		},
	}
}

// DefaultConfig is stored when no configuration file exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Verbose: ptr(false),
			Log:     ptr(LogStderr),
			Addr:    ptr(DefaultAddr),
		},
		Converter: &Converter{
			DefaultTemplate: ptr(DefaultTemplateID),
			LoginTemplate:   ptr(DefaultLoginTemplateID),
			Timeout:         ptr("PT30S"),
		},
		Templates: DefaultTemplates(),
		Scheduler: &Scheduler{
			Workers:     ptr(0),
			MaxAttempts: ptr(DefaultMaxAttempts),
			Queue:       ptr(DefaultQueueSize),
		},
		Store: &Store{Path: DefaultStorePath},
		Events: &Events{
			Log: ptr(true),
		},
		Janitor: &Janitor{
			Enabled: ptr(true),
			Cron:    ptr(DefaultJanitorCron),
			MaxAge:  ptr(DefaultJanitorMaxAge),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

func (c Config) Verbose() bool {
	return Get(c.Service.Verbose)
}

func (c Config) LogSink() string {
	if c.Service.Log == nil {
		return LogStderr
	}
	return *c.Service.Log
}

func (c Config) Addr() string {
	if c.Service.Addr == nil {
		return DefaultAddr
	}
	return *c.Service.Addr
}

// TemplateList returns configured templates, the defaults when none are configured.
func (c Config) TemplateList() []CommandTemplate {
	if len(c.Templates) == 0 {
		return DefaultTemplates()
	}
	return c.Templates
}

func (c Config) DefaultTemplate() string {
	if c.Converter == nil || c.Converter.DefaultTemplate == nil {
		return DefaultTemplateID
	}
	return *c.Converter.DefaultTemplate
}

func (c Config) LoginTemplate() string {
	if c.Converter == nil || c.Converter.LoginTemplate == nil {
		return DefaultLoginTemplateID
	}
	return *c.Converter.LoginTemplate
}

// TimeoutMs is the conversion timeout used when a request does not set one.
func (c Config) TimeoutMs() (int64, error) {
	if c.Converter == nil || c.Converter.Timeout == nil {
		return DefaultTimeoutMs, nil
	}
	d, err := ParseISODuration(*c.Converter.Timeout)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

func (c Config) TempDir() string {
	if c.Converter == nil {
		return ""
	}
	return Get(c.Converter.TempDir)
}

func (c Config) TestMode() bool {
	if c.Converter == nil {
		return false
	}
	return Get(c.Converter.TestMode)
}

func (c Config) Workers() int {
	if c.Scheduler == nil {
		return 0
	}
	return Get(c.Scheduler.Workers)
}

func (c Config) MaxAttempts() int {
	if c.Scheduler == nil || c.Scheduler.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	return *c.Scheduler.MaxAttempts
}

func (c Config) QueueSize() int {
	if c.Scheduler == nil || c.Scheduler.Queue == nil {
		return DefaultQueueSize
	}
	return *c.Scheduler.Queue
}

func (c Config) StorePath() string {
	if c.Store == nil {
		return DefaultStorePath
	}
	return c.Store.Path
}

func (c Config) LogEvents() bool {
	if c.Events == nil || c.Events.Log == nil {
		return true
	}
	return *c.Events.Log
}

// WebhookURL returns the enabled webhook url or an empty string.
func (c Config) WebhookURL() string {
	if c.Events == nil || c.Events.Webhook == nil {
		return ""
	}
	w := c.Events.Webhook
	if w.Enabled != nil && !*w.Enabled {
		return ""
	}
	return w.URL
}

// JanitorSchedule returns the cron expression and the maximal age of
// finished work, enabled is false when the janitor is switched off.
func (c Config) JanitorSchedule() (expr string, maxAge time.Duration, enabled bool, err error) {
	if c.Janitor == nil {
		return "", 0, false, nil
	}
	j := c.Janitor
	if j.Enabled != nil && !*j.Enabled {
		return "", 0, false, nil
	}
	expr = DefaultJanitorCron
	if j.Cron != nil {
		expr = *j.Cron
	}
	age := DefaultJanitorMaxAge
	if j.MaxAge != nil {
		age = *j.MaxAge
	}
	maxAge, err = ParseISODuration(age)
	if err != nil {
		return "", 0, false, err
	}
	return expr, maxAge, true, nil
}

// Get dereferences an optional config value.
func Get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

func ptr[T any](v T) *T {
	return &v
}
