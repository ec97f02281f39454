package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cailloumajor/sitecheck/internal/jsonbody"
	"github.com/cailloumajor/sitecheck/internal/testutils"
	"github.com/go-kit/log"
)

func TestParseSettingsDefaults(t *testing.T) {
	s, err := parseSettings([]string{"-site", "example.test"}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected parseSettings error: %v", err)
	}

	if got, want := s.method, http.MethodHead; got != want {
		t.Errorf("method: want %q, got %q", want, got)
	}
	if got, want := s.successCodes.String(), "200,201,202"; got != want {
		t.Errorf("success codes: want %q, got %q", want, got)
	}
	if got, want := s.failureCodes.String(), "400,401,402,403,404,500,501,502"; got != want {
		t.Errorf("failure codes: want %q, got %q", want, got)
	}
	if got, want := s.sleep, 5*time.Second; got != want {
		t.Errorf("sleep: want %v, got %v", want, got)
	}
	if got, want := s.retries, 3; got != want {
		t.Errorf("retries: want %d, got %d", want, got)
	}
	if got, want := s.followRedirects, true; got != want {
		t.Errorf("follow redirects: want %v, got %v", want, got)
	}
	if got, want := s.maxRedirects, DefaultMaxRedirects; got != want {
		t.Errorf("max redirects: want %d, got %d", want, got)
	}
	if s.body != nil {
		t.Errorf("body: want nil, got %v", s.body)
	}
}

func TestParseSettings(t *testing.T) {
	cases := []struct {
		name        string
		args        []string
		expectError bool
	}{
		{
			name: "AllFlags",
			args: []string{
				"-site", "https://example.test",
				"-method", "post",
				"-success-codes", "200 204",
				"-failure-codes", "500",
				"-headers", `{"Authorization": "Bearer: key"}`,
				"-body", `{"someKey": "someValue"}`,
				"-sleep", "0",
				"-retries", "1",
				"-timeout", "2s",
				"-follow-redirects=false",
				"-max-redirects", "0",
			},
		},
		{
			name:        "MissingSite",
			args:        []string{},
			expectError: true,
		},
		{
			name:        "BadMethod",
			args:        []string{"-site", "example.test", "-method", "PATCH"},
			expectError: true,
		},
		{
			name:        "BadCodes",
			args:        []string{"-site", "example.test", "-success-codes", "2OO"},
			expectError: true,
		},
		{
			name:        "OverlappingCodes",
			args:        []string{"-site", "example.test", "-success-codes", "200,500"},
			expectError: true,
		},
		{
			name:        "NegativeSleep",
			args:        []string{"-site", "example.test", "-sleep", "-1"},
			expectError: true,
		},
		{
			name:        "ZeroRetries",
			args:        []string{"-site", "example.test", "-retries", "0"},
			expectError: true,
		},
		{
			name:        "NegativeMaxRedirects",
			args:        []string{"-site", "example.test", "-max-redirects", "-1"},
			expectError: true,
		},
		{
			name:        "BadHeaders",
			args:        []string{"-site", "example.test", "-headers", `{"Count": 1}`},
			expectError: true,
		},
		{
			name:        "BadBody",
			args:        []string{"-site", "example.test", "-body", `{"someKey": }`},
			expectError: true,
		},
		{
			name:        "UnknownFlag",
			args:        []string{"-site", "example.test", "-unknown"},
			expectError: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseSettings(tc.args, io.Discard)

			if msg := testutils.AssertError(t, err, tc.expectError); msg != "" {
				t.Error(msg)
			}
		})
	}
}

func TestParseSettingsValues(t *testing.T) {
	s, err := parseSettings([]string{
		"-site", "example.test",
		"-method", "get",
		"-success-codes", "204",
		"-body", `{"b": 1, "a": "x"}`,
		"-sleep", "2",
	}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected parseSettings error: %v", err)
	}

	if got, want := s.method, http.MethodGet; got != want {
		t.Errorf("method: want %q, got %q", want, got)
	}
	if got, want := s.successCodes.String(), "204"; got != want {
		t.Errorf("success codes: want %q, got %q", want, got)
	}
	if got, want := s.sleep, 2*time.Second; got != want {
		t.Errorf("sleep: want %v, got %v", want, got)
	}
	b, err := NormalizeBody(s.body)
	if err != nil {
		t.Fatalf("unexpected NormalizeBody error: %v", err)
	}
	if got, want := string(b), `{"b": 1, "a": "x"}`; got != want {
		t.Errorf("body: want %q, got %q", want, got)
	}
}

func TestParseSettingsStringBody(t *testing.T) {
	s, err := parseSettings([]string{"-site", "example.test", "-body", `"literal text"`}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected parseSettings error: %v", err)
	}

	if got, want := s.body, any("literal text"); got != want {
		t.Errorf("body: want %v, got %v", want, got)
	}
}

func TestParseSettingsEnv(t *testing.T) {
	t.Setenv("SITECHECK_SITE", "env.example.test")
	t.Setenv("SITECHECK_RETRIES", "7")

	s, err := parseSettings([]string{}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected parseSettings error: %v", err)
	}

	if got, want := s.site, "env.example.test"; got != want {
		t.Errorf("site: want %q, got %q", want, got)
	}
	if got, want := s.retries, 7; got != want {
		t.Errorf("retries: want %d, got %d", want, got)
	}
}

func TestParseSettingsHelp(t *testing.T) {
	var out strings.Builder

	_, err := parseSettings([]string{"-h"}, &out)

	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("error: want %v, got %v", flag.ErrHelp, err)
	}
	for _, want := range []string{"SITECHECK_SUCCESS_CODES", "0 makes any followed redirect an error"} {
		if got := out.String(); !strings.Contains(got, want) {
			t.Errorf("usage: want %q in output, got %q", want, got)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.toml")
	bad := filepath.Join(dir, "bad.toml")

	if err := os.WriteFile(good, []byte(`
[headers]
Authorization = "Bearer: key"

[[redirect_filters]]
host = "*.example.test"
path = "/status/**"
`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte(`headers = [`), 0o600); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name          string
		path          string
		expectFilters int
		expectError   bool
	}{
		{
			name: "NoFile",
			path: "",
		},
		{
			name:          "Good",
			path:          good,
			expectFilters: 1,
		},
		{
			name:        "Bad",
			path:        bad,
			expectError: true,
		},
		{
			name:        "Missing",
			path:        filepath.Join(dir, "missing.toml"),
			expectError: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := loadConfig(tc.path)

			if msg := testutils.AssertError(t, err, tc.expectError); msg != "" {
				t.Fatal(msg)
			}
			if tc.expectError {
				return
			}
			if got, want := len(cfg.RedirectFilters), tc.expectFilters; got != want {
				t.Errorf("redirect filters count: want %d, got %d", want, got)
			}
		})
	}
}

func TestMergeHeaders(t *testing.T) {
	h := mergeHeaders(
		map[string]string{"Authorization": "file", "X-File": "file"},
		map[string]string{"Authorization": "flag", "Content-Type": "text/plain"},
	)

	expect := map[string]string{
		"Authorization": "flag",
		"Content-Type":  "text/plain",
		"X-File":        "file",
	}
	if got, want := len(h), len(expect); got != want {
		t.Errorf("headers count: want %d, got %d", want, got)
	}
	for k, want := range expect {
		if got := h[k]; got != want {
			t.Errorf("header %q: want %q, got %q", k, want, got)
		}
	}
}

func TestRunCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/200":
			w.WriteHeader(http.StatusOK)
		case "/418":
			w.WriteHeader(http.StatusTeapot)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cases := []struct {
		name        string
		path        string
		expectError error
	}{
		{
			name: "Success",
			path: "/200",
		},
		{
			name: "Unexpected",
			path: "/418",
		},
		{
			name:        "Failure",
			path:        "/404",
			expectError: errCheckFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cm, err := NewConnectionManager(srv.URL+tc.path, nil, jsonbody.Object{}, log.NewNopLogger())
			if err != nil {
				t.Fatalf("unexpected NewConnectionManager error: %v", err)
			}
			s := &settings{
				method:       http.MethodGet,
				successCodes: DefaultSuccessCodes(),
				failureCodes: DefaultFailureCodes(),
				retries:      1,
			}

			err = runCheck(context.Background(), cm, s, log.NewNopLogger())

			if !errors.Is(err, tc.expectError) {
				t.Errorf("error: want %v, got %v", tc.expectError, err)
			}
			if got, want := exitCode(err) != 0, tc.expectError != nil; got != want {
				t.Errorf("non-zero exit code: want %v, got %v", want, got)
			}
		})
	}
}
