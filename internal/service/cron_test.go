package service_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/Archiver/internal/model"
	"github.com/CZERTAINLY/Archiver/internal/service"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	cases := []struct {
		scenario string
		given    string
		then     string
	}{
		{"valid_5_fields", "*/15 * * * *", ""},
		{"macro_hourly", "@hourly", ""},
		{"macro_every", "@every 5m", ""},
		{"invalid_6_fields", "0 */2 * * * *", "expected exactly 5 fields, found 6: [0 */2 * * * *]"},
		{"invalid_token", "* * 32 * *", "end of range (32) above maximum (31): 32"},
		{"empty", "  ", "empty cron expression"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := service.ParseCron(tc.given)
			if tc.then != "" {
				require.EqualError(t, err, tc.then)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestJanitorSweep(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)

	touch := func(name string, mtime time.Time) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
		return path
	}

	stale := touch("archiver-123.pdf", old)
	fresh := touch("archiver-456.pdf", time.Now())
	jar := touch("archiver-789.cookies", old)
	foreign := touch("report.pdf", old)

	purger := &countingPurger{n: 2}
	janitor := service.NewJanitor(dir, time.Hour, purger)
	files, jobs := janitor.Sweep(t.Context())
	require.Equal(t, 1, files)
	require.Equal(t, 2, jobs)
	require.Equal(t, time.Hour, purger.olderThan)

	require.NoFileExists(t, stale)
	require.FileExists(t, fresh)
	require.FileExists(t, jar)
	require.FileExists(t, foreign)
}

func TestJanitorKeepsRunningOutputs(t *testing.T) {
	dir := t.TempDir()
	touch := func(name string, age time.Duration) string {
		path := filepath.Join(dir, name)
		mtime := time.Now().Add(-age)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
		return path
	}
	running := touch("archiver-running.pdf", 30*time.Minute)
	abandoned := touch("archiver-abandoned.pdf", 3*time.Hour)

	// a max age shorter than a conversion may run
	files, _ := service.NewJanitor(dir, time.Minute, nil).Sweep(t.Context())
	require.Equal(t, 1, files)
	require.FileExists(t, running)
	require.NoFileExists(t, abandoned)
}

func TestJanitorFromConfig(t *testing.T) {
	config := func(timeout, maxAge string) model.Config {
		cfg := model.DefaultConfig(t.Context())
		cfg.Converter.Timeout = &timeout
		cfg.Janitor.MaxAge = &maxAge
		return cfg
	}

	var testCases = []struct {
		scenario string
		given    model.Config
		then     string
	}{
		{"defaults", model.DefaultConfig(t.Context()), ""},
		{"max age below timeout", config("PT10M", "PT5M"), "janitor.max_age 5m0s must be longer than converter.timeout 10m0s"},
		{"max age equals timeout", config("PT10M", "PT10M"), "janitor.max_age 10m0s must be longer than converter.timeout 10m0s"},
		{"short timeout falls back to default", config("PT0S", "PT20S"), "janitor.max_age 20s must be longer than converter.timeout 30s"},
		{"max age above timeout", config("PT10M", "PT1H"), ""},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			j, err := service.JanitorFromConfig(t.Context(), tc.given, nil)
			if tc.then != "" {
				require.EqualError(t, err, tc.then)
				require.Nil(t, j)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, j)
			require.NoError(t, j.Shutdown())
		})
	}

	disabled := model.DefaultConfig(t.Context())
	disabled.Janitor.Enabled = new(bool)
	j, err := service.JanitorFromConfig(t.Context(), disabled, nil)
	require.NoError(t, err)
	require.Nil(t, j)
}

func TestJanitorSchedule(t *testing.T) {
	janitor := service.NewJanitor(t.TempDir(), time.Hour, nil)
	err := janitor.Schedule(t.Context(), "70 * * * *")
	require.Error(t, err)

	err = janitor.Schedule(t.Context(), "@hourly")
	require.NoError(t, err)
	janitor.Start()
	require.NoError(t, janitor.Shutdown())
}

type countingPurger struct {
	n         int
	olderThan time.Duration
}

func (p *countingPurger) Purge(olderThan time.Duration) int {
	p.olderThan = olderThan
	return p.n
}
