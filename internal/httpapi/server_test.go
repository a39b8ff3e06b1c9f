package httpapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Archiver/internal/httpapi"
	"github.com/CZERTAINLY/Archiver/internal/model"
	"github.com/CZERTAINLY/Archiver/internal/pdf"
	"github.com/CZERTAINLY/Archiver/internal/pdf/pdftest"
	"github.com/CZERTAINLY/Archiver/internal/service"
	"github.com/CZERTAINLY/Archiver/internal/store"
)

// fakeConverter answers by url host, unknown hosts get a one page document.
type fakeConverter struct {
	dir string
}

func (c fakeConverter) Convert(_ context.Context, req model.ConversionRequest) (model.Artifact, error) {
	switch {
	case strings.Contains(req.URL, "fail.example.com"):
		return model.Artifact{}, &model.ConversionError{CommandLine: "wkhtmltopdf", ExitCode: 1, Cause: pdf.ErrEmpty}
	case strings.Contains(req.URL, "unsafe.example.com"):
		return model.Artifact{}, fmt.Errorf("%w: %q", model.ErrUnsafeTemplate, "wk")
	case strings.Contains(req.URL, "notool.example.com"):
		return model.Artifact{}, model.ErrToolUnavailable
	}
	f, err := os.CreateTemp(c.dir, model.TempPatternPDF)
	if err != nil {
		return model.Artifact{}, err
	}
	content := pdftest.Build(1, "served")
	_, err = f.Write(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	name := req.OutputName
	if name == "" {
		name = "example-com.pdf"
	}
	return model.Artifact{Path: f.Name(), MimeType: model.MimeTypePDF, FileName: name, Size: int64(len(content)), Pages: 1}, err
}

type fixture struct {
	srv       *httptest.Server
	dir       string
	store     *store.SQLite
	scheduler *service.Scheduler
}

func newFixture(t *testing.T, run bool) fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	conv := fakeConverter{dir: dir}
	scheduler := service.NewScheduler(conv, db, db).WithWorkers(1)
	if run {
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Go(func() {
			_ = scheduler.Do(ctx)
		})
		t.Cleanup(func() {
			cancel()
			wg.Wait()
		})
	}

	srv := httptest.NewServer(httpapi.Server{
		Converter: conv,
		Jobs:      scheduler,
		Artifacts: db,
	}.Router())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, dir: dir, store: db, scheduler: scheduler}
}

func (f fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func (f fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	resp := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConvert(t *testing.T) {
	f := newFixture(t, false)

	resp := f.post(t, "/v1/convert", `{"url":"https://example.com/page"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, model.MimeTypePDF, resp.Header.Get("Content-Type"))
	require.Equal(t, `attachment; filename=example-com.pdf`, resp.Header.Get("Content-Disposition"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, pdftest.Build(1, "served"), body)

	// the temporary document is gone once served
	left, err := filepath.Glob(filepath.Join(f.dir, model.TempPatternPDF))
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestConvertErrors(t *testing.T) {
	f := newFixture(t, false)

	var testCases = []struct {
		scenario string
		body     string
		then     int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"unknown field", `{"url":"https://example.com","shell":"sh"}`, http.StatusBadRequest},
		{"empty url", `{"url":""}`, http.StatusBadRequest},
		{"cookie jar", `{"url":"https://example.com","cookieJar":"/etc/passwd"}`, http.StatusBadRequest},
		{"unsafe template", `{"url":"https://unsafe.example.com"}`, http.StatusBadRequest},
		{"tool unavailable", `{"url":"https://notool.example.com"}`, http.StatusServiceUnavailable},
		{"conversion failed", `{"url":"https://fail.example.com"}`, http.StatusBadGateway},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			resp := f.post(t, "/v1/convert", tc.body)
			require.Equal(t, tc.then, resp.StatusCode)
			require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			got := decode[map[string]string](t, resp)
			require.NotEmpty(t, got["error"])
		})
	}
}

func TestArchive(t *testing.T) {
	f := newFixture(t, true)

	resp := f.post(t, "/v1/records/docs/42/archive", `{"url":"https://example.com/page","outputName":"page.pdf"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	st := decode[service.JobStatus](t, resp)
	require.Equal(t, "/v1/jobs/"+st.ID, resp.Header.Get("Location"))
	require.Equal(t, model.JobKey{Repository: "docs", RecordRef: "42", URL: "https://example.com/page"}, st.Key)
	require.Equal(t, model.DefaultField, st.Field)

	require.Eventually(t, func() bool {
		resp, err := http.Get(f.srv.URL + "/v1/jobs/" + st.ID)
		if err != nil {
			return false
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		var got service.JobStatus
		if json.NewDecoder(resp.Body).Decode(&got) != nil {
			return false
		}
		return got.State == model.JobSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	resp = f.get(t, "/v1/records/docs/42/artifacts/"+model.DefaultField)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `attachment; filename=page.pdf`, resp.Header.Get("Content-Disposition"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, pdftest.Build(1, "served"), body)

	events, err := f.store.Events(t.Context(), model.RecordRef{Repository: "docs", Record: "42"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, st.ID, events[0].JobID)

	resp = f.get(t, "/v1/records/docs/42/artifacts/file:other")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArchiveDedup(t *testing.T) {
	// no workers: jobs stay pending
	f := newFixture(t, false)

	resp := f.post(t, "/v1/records/docs/42/archive", `{"url":"https://example.com/page"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := decode[service.JobStatus](t, resp)
	require.Equal(t, model.JobPending, first.State)

	resp = f.post(t, "/v1/records/docs/42/archive", `{"url":"https://example.com/page","field":"file:other"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[service.JobStatus](t, resp)
	require.Equal(t, first.ID, second.ID)

	resp = f.post(t, "/v1/records/docs/42/archive", `{"url":""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.get(t, "/v1/jobs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode[[]service.JobStatus](t, resp), 1)

	resp = f.get(t, "/v1/jobs?state=succeeded")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, decode[[]service.JobStatus](t, resp))

	resp = f.get(t, "/v1/jobs?state=bogus")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.get(t, "/v1/jobs/unknown")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.scheduler.Close()
	resp = f.post(t, "/v1/records/docs/43/archive", `{"url":"https://example.com/page"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
