package executor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"opsrunner/internal/credential"
	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

const (
	httpClientTimeout = 60 * time.Second
	httpDialTimeout   = 10 * time.Second
	httpBodyLimit     = 1 << 20
)

// httpBackend performs one HTTP request and treats the response as the run
// outcome: a 2xx status is success, anything else a non-zero exit. The
// response body (capped) is streamed as output so it lands in the run log.
type httpBackend struct {
	job    model.Job
	secret credential.Secret
	log    logx.Logger

	out  chan string
	done chan struct{}
	res  Result

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newHTTPBackend(job model.Job, secret credential.Secret, log logx.Logger) *httpBackend {
	return &httpBackend{
		job:    job,
		secret: secret,
		log:    log,
		out:    make(chan string, outputBuffer),
		done:   make(chan struct{}),
	}
}

func (b *httpBackend) Start(ctx context.Context) error {
	p := b.job.Payload
	if p.URL == "" {
		return launchErr("http job has no url", nil)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return launchErr("invalid url "+p.URL, err)
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	// An unreachable target is a launch failure, not a failed run; the
	// listener is checked before any run state moves past queued.
	addr := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			addr = net.JoinHostPort(u.Hostname(), "443")
		} else {
			addr = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	dialer := net.Dialer{Timeout: httpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return launchErr("dialing "+addr, err)
	}
	_ = conn.Close()

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, method, p.URL, strings.NewReader(p.Body))
	if err != nil {
		cancel()
		return launchErr("building request", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	switch b.secret.Kind {
	case credential.KindToken:
		req.Header.Set("Authorization", "Bearer "+b.secret.Value)
	case credential.KindPassword:
		req.SetBasicAuth(b.secret.Username, b.secret.Value)
	}

	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.log.Debug("http request started", logx.String("method", method), logx.String("url", p.URL))

	go func() {
		defer cancel()

		client := &http.Client{Timeout: httpClientTimeout}
		resp, err := client.Do(req)
		if err != nil {
			close(b.out)
			b.res = Result{ExitCode: -1, Err: fmt.Errorf("http request: %w", err)}
			close(b.done)
			return
		}

		b.out <- fmt.Sprintf("%s %s -> %s", method, p.URL, resp.Status)
		bodyErr := pumpLines(io.LimitReader(resp.Body, httpBodyLimit), "", b.out)
		_ = resp.Body.Close()
		close(b.out)

		res := Result{ExitCode: 0}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			res.ExitCode = 1
		}
		if bodyErr != nil {
			res.Err = fmt.Errorf("reading response body: %w", bodyErr)
		}
		b.res = res
		close(b.done)
	}()
	return nil
}

func (b *httpBackend) Output() <-chan string { return b.out }

func (b *httpBackend) Wait() Result {
	<-b.done
	return b.res
}

func (b *httpBackend) Cancel() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
