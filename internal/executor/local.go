package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

// localBackend spawns an interpreter for the job's script language on the
// control-plane host itself. Inline scripts are materialized to a transient
// file that is removed when the run finishes.
type localBackend struct {
	cfg Config
	job model.Job
	log logx.Logger

	out  chan string
	done chan struct{}
	res  Result

	mu        sync.Mutex
	cmd       *exec.Cmd
	tmpPath   string
	cancelled bool
}

func newLocalBackend(cfg Config, job model.Job, log logx.Logger) *localBackend {
	return &localBackend{
		cfg:  cfg,
		job:  job,
		log:  log,
		out:  make(chan string, outputBuffer),
		done: make(chan struct{}),
	}
}

func (b *localBackend) Start(ctx context.Context) error {
	bin, args, err := b.buildCommand()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	// A constrained environment: the script inherits only what it needs, not
	// the full control-plane environment.
	cmd.Env = constrainedEnv()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.removeTemp()
		return launchErr("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.removeTemp()
		return launchErr("stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		b.removeTemp()
		return launchErr("spawning "+bin, err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()

	b.log.Debug("local process started", logx.Int("pid", cmd.Process.Pid), logx.String("bin", bin))

	go b.supervise(cmd, stdout, stderr)
	return nil
}

func (b *localBackend) supervise(cmd *exec.Cmd, stdout, stderr io.Reader) {
	defer b.removeTemp()

	// Drain both pipes before Wait; exec requires the pipes to be consumed
	// first. Stderr lines are tagged so subscribers can tell them apart in the
	// combined stream.
	var g errgroup.Group
	g.Go(func() error { return pumpLines(stdout, "", b.out) })
	g.Go(func() error { return pumpLines(stderr, "[STDERR] ", b.out) })
	pipeErr := g.Wait()

	err := cmd.Wait()
	close(b.out)

	res := Result{}
	switch {
	case err == nil:
		res.ExitCode = 0
	default:
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err
		}
	}
	if res.Err == nil && pipeErr != nil {
		res.Err = fmt.Errorf("output capture: %w", pipeErr)
	}

	b.res = res
	close(b.done)
}

func (b *localBackend) Output() <-chan string { return b.out }

func (b *localBackend) Wait() Result {
	<-b.done
	return b.res
}

func (b *localBackend) Cancel() {
	b.mu.Lock()
	cmd := b.cmd
	b.cancelled = true
	b.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// buildCommand resolves the interpreter and the script path. All failures
// here are launch errors.
func (b *localBackend) buildCommand() (string, []string, error) {
	path, err := b.materializeScript()
	if err != nil {
		return "", nil, err
	}

	switch b.job.Payload.Language {
	case model.LangShell:
		bin, err := lookPathFirst(b.cfg.ShellBin, "bash", "sh")
		if err != nil {
			b.removeTemp()
			return "", nil, launchErr("shell interpreter not found", err)
		}
		return bin, []string{path}, nil
	case model.LangPython:
		bin, err := lookPathFirst(b.cfg.PythonBin, "python3", "python")
		if err != nil {
			b.removeTemp()
			return "", nil, launchErr("python interpreter not found", err)
		}
		// -u keeps output unbuffered so streaming stays line-accurate.
		return bin, []string{"-u", path}, nil
	case model.LangPowerShell:
		bin, err := lookPathFirst(b.cfg.PowershellBin, "pwsh", "powershell")
		if err != nil {
			b.removeTemp()
			return "", nil, launchErr("powershell interpreter not found", err)
		}
		return bin, []string{"-NoProfile", "-ExecutionPolicy", "Bypass", "-File", path}, nil
	default:
		b.removeTemp()
		return "", nil, launchErr(fmt.Sprintf("unsupported script language %q", b.job.Payload.Language), nil)
	}
}

func (b *localBackend) materializeScript() (string, error) {
	p := b.job.Payload
	if p.Source == model.SourceFile {
		path := filepath.Join(b.cfg.ScriptsDir, p.ScriptPath)
		if _, err := os.Stat(path); err != nil {
			return "", launchErr("script file "+path, err)
		}
		return path, nil
	}

	f, err := os.CreateTemp(b.cfg.WorkDir, "opsrunner-*"+scriptSuffix(p.Language))
	if err != nil {
		return "", launchErr("materializing inline script", err)
	}
	// Normalize line endings so shells don't choke on CRLF.
	content := strings.ReplaceAll(p.Script, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", launchErr("materializing inline script", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", launchErr("materializing inline script", err)
	}

	b.mu.Lock()
	b.tmpPath = f.Name()
	b.mu.Unlock()
	return f.Name(), nil
}

func (b *localBackend) removeTemp() {
	b.mu.Lock()
	path := b.tmpPath
	b.tmpPath = ""
	b.mu.Unlock()
	if path != "" {
		_ = os.Remove(path)
	}
}

func scriptSuffix(lang model.ScriptLanguage) string {
	switch lang {
	case model.LangPython:
		return ".py"
	case model.LangPowerShell:
		return ".ps1"
	default:
		return ".sh"
	}
}

// lookPathFirst returns the first resolvable binary of the candidates.
// An explicitly configured binary is tried alone: misconfiguration should
// surface, not silently fall back.
func lookPathFirst(configured string, candidates ...string) (string, error) {
	if strings.TrimSpace(configured) != "" {
		return exec.LookPath(configured)
	}
	var lastErr error
	for _, c := range candidates {
		p, err := exec.LookPath(c)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = exec.ErrNotFound
	}
	return "", lastErr
}

// constrainedEnv passes through only a safe allowlist of variables.
func constrainedEnv() []string {
	keep := []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "TZ", "USER", "SystemRoot", "TEMP"}
	out := make([]string, 0, len(keep))
	for _, k := range keep {
		if v, ok := os.LookupEnv(k); ok {
			out = append(out, k+"="+v)
		}
	}
	return out
}
