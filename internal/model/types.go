package model

import (
	"bytes"
	"os"
	"time"
)

// Reserved placeholders of a command template parameter string.
const (
	ParamCookieJar      = "cookieJar"
	ParamURL            = "url"
	ParamTargetFilePath = "targetFilePath"
)

// Placeholder returns the {name} form of a parameter name.
func Placeholder(name string) string {
	return "{" + name + "}"
}

// ReservedPlaceholders lists placeholders which must always be quoted in a template.
func ReservedPlaceholders() []string {
	return []string{Placeholder(ParamCookieJar), Placeholder(ParamURL), Placeholder(ParamTargetFilePath)}
}

// IsReserved reports whether name is one of the reserved parameter names.
func IsReserved(name string) bool {
	return name == ParamCookieJar || name == ParamURL || name == ParamTargetFilePath
}

const (
	MimeTypePDF      = "application/pdf"
	ExtensionPDF     = ".pdf"
	DefaultField     = "file:content"
	EventArchived    = "webpageArchived"
	MinTimeoutMs     = 1000
	DefaultTimeoutMs = 30000
	MaxTimeoutMs     = 60 * 60 * 1000
)

// Temporary files of the archiver share a prefix, so the janitor never
// touches foreign files in a shared temp directory.
const (
	TempPrefix        = "archiver-"
	TempPatternPDF    = TempPrefix + "*" + ExtensionPDF
	TempPatternCookie = TempPrefix + "*.cookies"
)

// CommandTemplate is a registered command line pattern.
type CommandTemplate struct {
	ID         string `json:"id" yaml:"id"`
	Command    string `json:"command" yaml:"command"`
	Parameters string `json:"parameters" yaml:"parameters"`
}

// CommandLine is a resolved template, the parameters are not split yet.
type CommandLine struct {
	Program    string
	Parameters string
}

func (c CommandLine) String() string {
	if c.Parameters == "" {
		return c.Program
	}
	return c.Program + " " + c.Parameters
}

// ConversionRequest asks for one webpage to be converted.
type ConversionRequest struct {
	TemplateID string `json:"templateId,omitempty"`
	URL        string `json:"url"`
	OutputName string `json:"outputName,omitempty"`
	CookieJar  string `json:"cookieJar,omitempty"` // path of a jar created by login
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

// CookieJar is a file holding an authenticated session.
type CookieJar struct {
	Path string `json:"path"`
}

// Artifact is a produced document which passed the output validation.
type Artifact struct {
	Path     string
	MimeType string
	FileName string
	Size     int64
	Pages    int
}

// Bytes reads the artifact content.
func (a Artifact) Bytes() ([]byte, error) {
	return os.ReadFile(a.Path)
}

// Remove deletes the backing file.
func (a Artifact) Remove() error {
	if a.Path == "" {
		return nil
	}
	err := os.Remove(a.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RunResult is the outcome of a single process execution. ExitCode is
// informative only, it never decides about success.
type RunResult struct {
	CommandLine         CommandLine
	ExitCode            int
	TerminatedByTimeout bool
	LaunchErr           error
	Started             time.Time
	Stopped             time.Time
	Stdout              *bytes.Buffer
	Stderr              *bytes.Buffer
}

// RecordRef points to a record of the document store.
type RecordRef struct {
	Repository string `json:"repository"`
	Record     string `json:"record"`
}

// JobKey identifies the same logical conversion.
type JobKey struct {
	Repository string `json:"repository"`
	RecordRef  string `json:"recordRef"`
	URL        string `json:"url"`
}

func (k JobKey) String() string {
	return k.Repository + ":" + k.RecordRef + ":" + k.URL
}

func (k JobKey) Ref() RecordRef {
	return RecordRef{Repository: k.Repository, Record: k.RecordRef}
}

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Active reports whether a job in this state holds its key.
func (s JobState) Active() bool {
	return s == JobPending || s == JobRunning
}

// CompletionEvent is published once an artifact was committed to a record.
type CompletionEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Repository string    `json:"repository"`
	RecordRef  string    `json:"recordRef"`
	Field      string    `json:"field"`
	URL        string    `json:"url"`
	JobID      string    `json:"jobId"`
	Time       time.Time `json:"time"`
}

// EffectiveTimeout applies the minimal timeout floor: values below one
// second are treated as misconfiguration and replaced by the default.
// Values above one hour are capped.
func EffectiveTimeout(ms int64) time.Duration {
	if ms < MinTimeoutMs {
		ms = DefaultTimeoutMs
	}
	return time.Duration(min(ms, MaxTimeoutMs)) * time.Millisecond
}
