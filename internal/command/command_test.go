package command_test

import (
	"sync"
	"testing"

	"github.com/CZERTAINLY/Archiver/internal/command"
	"github.com/CZERTAINLY/Archiver/internal/model"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     bool
	}{
		{"no placeholders", `-q --grayscale`, true},
		{"double quoted", `"{url}" "{targetFilePath}"`, true},
		{"single quoted", `'{url}' '{targetFilePath}' --cookie-jar '{cookieJar}'`, true},
		{"mixed quotes", `--cookie-jar "{cookieJar}" '{url}' "{targetFilePath}"`, true},
		{"repeated quoted", `"{url}" --title "{url}" "{targetFilePath}"`, true},
		{"bare url", `{url} "{targetFilePath}"`, false},
		{"bare target", `"{url}" {targetFilePath}`, false},
		{"bare cookie jar", `--cookie-jar {cookieJar} "{url}" "{targetFilePath}"`, false},
		{"one of two unquoted", `"{url}" --title {url} "{targetFilePath}"`, false},
		{"mismatched quotes", `"{url}' "{targetFilePath}"`, false},
		{"half quoted", `"{url} "{targetFilePath}"`, false},
		{"quote inside word", `--url="{url}" "{targetFilePath}"`, true},
		{"unknown placeholder is ignored", `{title} "{url}"`, true},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			v := command.NewValidator(nil)
			tmpl := model.CommandTemplate{ID: tt.scenario, Command: "wkhtmltopdf", Parameters: tt.given}
			require.Equal(t, tt.then, v.Validate(tmpl))
			require.Equal(t, tt.then, command.QuotedOnly(tmpl))
		})
	}
}

func TestValidateCached(t *testing.T) {
	t.Parallel()
	cache := command.NewValidationCache()
	v := command.NewValidator(cache)

	unsafe := model.CommandTemplate{ID: "wk", Command: "wkhtmltopdf", Parameters: `{url}`}
	require.False(t, v.Validate(unsafe))

	// same id with fixed quoting stays unusable
	fixed := unsafe
	fixed.Parameters = `"{url}"`
	require.False(t, v.Validate(fixed))

	ok, found := cache.Load("wk")
	require.True(t, found)
	require.False(t, ok)

	// a second validator sharing the cache sees the same result
	require.False(t, command.NewValidator(cache).Validate(fixed))
	// a fresh cache does not
	require.True(t, command.NewValidator(nil).Validate(fixed))
}

func TestValidateConcurrent(t *testing.T) {
	t.Parallel()
	v := command.NewValidator(nil)
	tmpl := model.CommandTemplate{ID: "wk", Parameters: `"{url}" "{targetFilePath}"`}

	var wg sync.WaitGroup
	results := make(chan bool, 32)
	for range 32 {
		wg.Go(func() {
			results <- v.Validate(tmpl)
		})
	}
	wg.Wait()
	close(results)
	for r := range results {
		require.True(t, r)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	tmpl := model.CommandTemplate{
		ID:         "wk",
		Command:    "wkhtmltopdf",
		Parameters: `--cookie-jar "{cookieJar}" "{url}" --title "{url}" "{targetFilePath}"`,
	}

	var testCases = []struct {
		scenario string
		given    command.Values
		then     string
	}{
		{
			scenario: "all values",
			given:    command.Values{CookieJar: "/tmp/jar", URL: "https://example.com", TargetFilePath: "/tmp/out.pdf"},
			then:     `--cookie-jar "/tmp/jar" "https://example.com" --title "https://example.com" "/tmp/out.pdf"`,
		},
		{
			scenario: "blank cookie jar stays",
			given:    command.Values{CookieJar: "  ", URL: "https://example.com", TargetFilePath: "/tmp/out.pdf"},
			then:     `--cookie-jar "{cookieJar}" "https://example.com" --title "https://example.com" "/tmp/out.pdf"`,
		},
		{
			scenario: "nothing",
			given:    command.Values{},
			then:     tmpl.Parameters,
		},
		{
			scenario: "extra cannot override reserved",
			given:    command.Values{Extra: map[string]string{"url": "evil", "title": "x"}},
			then:     tmpl.Parameters,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			cl := command.Resolve(tmpl, tt.given)
			require.Equal(t, "wkhtmltopdf", cl.Program)
			require.Equal(t, tt.then, cl.Parameters)
		})
	}

	extra := model.CommandTemplate{Command: "wk", Parameters: `--post user {login} "{url}"`}
	cl := command.Resolve(extra, command.Values{Extra: map[string]string{"login": "jdoe"}})
	require.Equal(t, `wk --post user jdoe "{url}"`, cl.String())
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r, err := command.NewRegistry(model.DefaultTemplates()...)
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())

	tmpl, ok := r.Lookup(model.DefaultTemplateID)
	require.True(t, ok)
	require.Equal(t, "wkhtmltopdf", tmpl.Command)
	require.True(t, command.QuotedOnly(tmpl))

	_, ok = r.Lookup("nope")
	require.False(t, ok)

	_, err = command.NewRegistry(tmpl, tmpl)
	require.Error(t, err)
	_, err = command.NewRegistry(model.CommandTemplate{Command: "x"})
	require.Error(t, err)
}
