package executor

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/masterzen/winrm"
	"golang.org/x/sync/errgroup"

	"opsrunner/internal/credential"
	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

const (
	winrmTimeout     = 60 * time.Second
	winrmDialTimeout = 10 * time.Second
)

// winrmBackend runs a PowerShell command on a Windows host over WinRM. The
// transport is inferred from the port: 5986 means HTTPS, anything else plain
// HTTP, mirroring the conventional WinRM listener layout.
type winrmBackend struct {
	job    model.Job
	secret credential.Secret
	log    logx.Logger

	out  chan string
	done chan struct{}
	res  Result

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newWinRMBackend(job model.Job, secret credential.Secret, log logx.Logger) *winrmBackend {
	return &winrmBackend{
		job:    job,
		secret: secret,
		log:    log,
		out:    make(chan string, outputBuffer),
		done:   make(chan struct{}),
	}
}

func (b *winrmBackend) Start(ctx context.Context) error {
	host := b.job.Target.Host
	if host == "" {
		return launchErr("winrm job has no target host", nil)
	}
	command := b.job.Payload.Script
	if command == "" {
		return launchErr("winrm job has no command", nil)
	}
	if b.secret.Kind != credential.KindPassword {
		return launchErr(fmt.Sprintf("credential kind %q cannot authenticate winrm", b.secret.Kind), nil)
	}
	port := b.job.Target.Port
	if port == 0 {
		port = 5985
	}
	useTLS := port == 5986

	// The winrm client only touches the network once the command runs; an
	// unreachable listener must surface here as a launch failure instead.
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: winrmDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return launchErr("dialing "+addr, err)
	}
	_ = conn.Close()

	endpoint := winrm.NewEndpoint(host, port, useTLS, true, nil, nil, nil, winrmTimeout)
	params := winrm.NewParameters("PT60S", "en-US", 153600)
	params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }
	client, err := winrm.NewClientWithParameters(endpoint, b.secret.Username, b.secret.Value, params)
	if err != nil {
		return launchErr("winrm client for "+host, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	b.log.Debug("winrm command started", logx.String("host", host), logx.Int("port", port))

	go func() {
		var g errgroup.Group
		g.Go(func() error { return pumpLines(stdoutR, "", b.out) })
		g.Go(func() error { return pumpLines(stderrR, "[STDERR] ", b.out) })

		code, runErr := client.RunWithContext(runCtx, winrm.Powershell(command), stdoutW, stderrW)
		_ = stdoutW.Close()
		_ = stderrW.Close()
		pipeErr := g.Wait()
		close(b.out)

		res := Result{ExitCode: code}
		if runErr != nil {
			res.ExitCode = -1
			res.Err = fmt.Errorf("winrm shell: %w", runErr)
		} else if pipeErr != nil {
			res.Err = fmt.Errorf("output capture: %w", pipeErr)
		}

		cancel()
		b.res = res
		close(b.done)
	}()
	return nil
}

func (b *winrmBackend) Output() <-chan string { return b.out }

func (b *winrmBackend) Wait() Result {
	<-b.done
	return b.res
}

func (b *winrmBackend) Cancel() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
