package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"opsrunner/internal/credential"
	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

func httpJob(method, url string) model.Job {
	return model.Job{
		ID:   "job-http",
		Name: "probe",
		Kind: model.KindHTTPRequest,
		Payload: model.Payload{
			Method: method,
			URL:    url,
		},
	}
}

func runHTTP(t *testing.T, b *httpBackend) ([]string, Result) {
	t.Helper()
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var lines []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case l, ok := <-b.Output():
			if !ok {
				return lines, b.Wait()
			}
			lines = append(lines, l)
		case <-timeout:
			t.Fatal("output never closed")
		}
	}
}

func TestHTTPBackendSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong\n"))
	}))
	defer srv.Close()

	b := newHTTPBackend(httpJob("GET", srv.URL), credential.Secret{}, logx.Nop())
	lines, res := runHTTP(t, b)
	if res.Err != nil || res.ExitCode != 0 {
		t.Fatalf("Result = %+v", res)
	}
	if len(lines) < 2 || !strings.Contains(lines[0], "200") || lines[1] != "pong" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestHTTPBackendNon2xxFails(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := newHTTPBackend(httpJob("GET", srv.URL), credential.Secret{}, logx.Nop())
	_, res := runHTTP(t, b)
	if res.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", res.ExitCode)
	}
}

func TestHTTPBackendAuth(t *testing.T) {
	t.Parallel()
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	secret := credential.Secret{Kind: credential.KindToken, Value: "tok123"}
	b := newHTTPBackend(httpJob("POST", srv.URL), secret, logx.Nop())
	_, res := runHTTP(t, b)
	if res.Err != nil {
		t.Fatalf("Result = %+v", res)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestHTTPBackendUnreachableTargetIsLaunchFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // port is now refusing connections

	b := newHTTPBackend(httpJob("GET", url), credential.Secret{}, logx.Nop())
	if err := b.Start(context.Background()); !IsLaunchError(err) {
		t.Fatalf("Start = %v, want LaunchError", err)
	}
}

func TestHTTPBackendRejectsBadURL(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"", "ftp://example.com", "not a url"} {
		b := newHTTPBackend(httpJob("GET", u), credential.Secret{}, logx.Nop())
		if err := b.Start(context.Background()); !IsLaunchError(err) {
			t.Fatalf("Start(%q) = %v, want LaunchError", u, err)
		}
	}
}
