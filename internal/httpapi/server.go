// Package httpapi exposes conversions, archive jobs and stored documents
// over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CZERTAINLY/Archiver/internal/model"
	"github.com/CZERTAINLY/Archiver/internal/service"
	"github.com/CZERTAINLY/Archiver/internal/store"
)

const maxBody = 1 << 20

type Converter interface {
	Convert(ctx context.Context, req model.ConversionRequest) (model.Artifact, error)
}

type Jobs interface {
	Schedule(ctx context.Context, key model.JobKey, req service.ArchiveRequest) (service.JobStatus, bool, error)
	Status(id string) (service.JobStatus, bool)
	Jobs() []service.JobStatus
}

type Artifacts interface {
	GetArtifact(ctx context.Context, ref model.RecordRef, field string) (store.Artifact, error)
}

type Server struct {
	Converter Converter
	Jobs      Jobs
	Artifacts Artifacts
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
		NoColor: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/convert", s.handleConvert)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Route("/records/{repository}/{record}", func(r chi.Router) {
			r.Post("/archive", s.handleArchive)
			r.Get("/artifacts/{field}", s.handleGetArtifact)
		})
	})
	return r
}

func (s Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req model.ConversionRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := checkRemote(req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	artifact, err := s.Converter.Convert(ctx, req)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	defer func() {
		if err := artifact.Remove(); err != nil {
			slog.WarnContext(ctx, "removing temporary artifact failed", "path", artifact.Path, "error", err)
		}
	}()

	content, err := artifact.Bytes()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("reading artifact: %w", err))
		return
	}
	writeDocument(w, artifact.FileName, artifact.MimeType, content)
}

type archiveRequest struct {
	model.ConversionRequest
	Field string `json:"field,omitempty"`
}

func (s Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var body archiveRequest
	if err := decode(w, r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := checkRemote(body.ConversionRequest); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	key := model.JobKey{
		Repository: chi.URLParam(r, "repository"),
		RecordRef:  chi.URLParam(r, "record"),
		URL:        body.URL,
	}
	st, created, err := s.Jobs.Schedule(r.Context(), key, service.ArchiveRequest{
		Request: body.ConversionRequest,
		Field:   body.Field,
	})
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusAccepted
	}
	w.Header().Set("Location", "/v1/jobs/"+st.ID)
	writeJSON(w, code, st)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.Jobs.Status(id)
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job %s: %w", id, model.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var state model.JobState
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state = model.JobState(raw)
		switch state {
		case model.JobPending, model.JobRunning, model.JobSucceeded, model.JobFailed:
		default:
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid state: %s", raw))
			return
		}
	}

	jobs := s.Jobs.Jobs()
	resp := make([]service.JobStatus, 0, len(jobs))
	for _, st := range jobs {
		if state == "" || st.State == state {
			resp = append(resp, st)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	ref := model.RecordRef{
		Repository: chi.URLParam(r, "repository"),
		Record:     chi.URLParam(r, "record"),
	}
	a, err := s.Artifacts.GetArtifact(r.Context(), ref, chi.URLParam(r, "field"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeDocument(w, a.FileName, a.MimeType, a.Content)
}

// checkRemote rejects what a remote client must not control: the tool
// reads and rewrites the cookie jar file, so it stays a local option.
func checkRemote(req model.ConversionRequest) error {
	if strings.TrimSpace(req.URL) == "" {
		return fmt.Errorf("%w: empty", model.ErrInvalidURL)
	}
	if req.CookieJar != "" {
		return fmt.Errorf("%w: cookieJar is not accepted over http", model.ErrUnsafeValue)
	}
	return nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidURL),
		errors.Is(err, model.ErrUnsafeValue),
		errors.Is(err, model.ErrUnsafeTemplate):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrTemplateNotFound),
		errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrToolUnavailable),
		errors.Is(err, model.ErrQueueFull),
		errors.Is(err, model.ErrSchedulerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrConversionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeDocument(w http.ResponseWriter, name, mimeType string, content []byte) {
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
