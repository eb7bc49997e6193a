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

	"opsrunner/internal/credential"
	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

// ansibleBackend shells out to ansible-playbook. Inline playbooks,
// inventories, extra vars and private keys are materialized to transient
// files that are removed when the run finishes.
type ansibleBackend struct {
	cfg    Config
	job    model.Job
	secret credential.Secret
	log    logx.Logger

	out  chan string
	done chan struct{}
	res  Result

	mu   sync.Mutex
	cmd  *exec.Cmd
	tmps []string
}

func newAnsibleBackend(cfg Config, job model.Job, secret credential.Secret, log logx.Logger) *ansibleBackend {
	return &ansibleBackend{
		cfg:    cfg,
		job:    job,
		secret: secret,
		log:    log,
		out:    make(chan string, outputBuffer),
		done:   make(chan struct{}),
	}
}

func (b *ansibleBackend) Start(ctx context.Context) error {
	binName := b.cfg.AnsibleBin
	if binName == "" {
		binName = "ansible-playbook"
	}
	bin, err := exec.LookPath(binName)
	if err != nil {
		return launchErr("ansible-playbook not found", err)
	}

	args, err := b.buildArgs()
	if err != nil {
		b.removeTemps()
		return err
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(constrainedEnv(),
		"ANSIBLE_HOST_KEY_CHECKING=False",
		"ANSIBLE_FORCE_COLOR=false",
		"ANSIBLE_NOCOLOR=true",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.removeTemps()
		return launchErr("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.removeTemps()
		return launchErr("stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		b.removeTemps()
		return launchErr("spawning "+bin, err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()

	b.log.Debug("playbook started", logx.Int("pid", cmd.Process.Pid))

	go b.supervise(cmd, stdout, stderr)
	return nil
}

func (b *ansibleBackend) supervise(cmd *exec.Cmd, stdout, stderr io.Reader) {
	defer b.removeTemps()

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

func (b *ansibleBackend) Output() <-chan string { return b.out }

func (b *ansibleBackend) Wait() Result {
	<-b.done
	return b.res
}

func (b *ansibleBackend) Cancel() {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// buildArgs assembles the command line and materializes inline inputs along
// the way. Any file it creates is tracked for cleanup.
func (b *ansibleBackend) buildArgs() ([]string, error) {
	p := b.job.Payload

	playbookValue := p.Playbook
	if p.Source == model.SourceFile {
		playbookValue = p.ScriptPath
	}
	playbook, err := b.resolveInput("playbook", p.Source, playbookValue, "*.yml")
	if err != nil {
		return nil, err
	}

	args := []string{playbook, "-v"}

	switch {
	case p.Inventory != "":
		inv, err := b.resolveInput("inventory", p.InventorySource, p.Inventory, "*.ini")
		if err != nil {
			return nil, err
		}
		args = append(args, "-i", inv)
	case b.job.Target.Host != "":
		// Trailing comma makes ansible treat the value as a host list rather
		// than an inventory path.
		args = append(args, "-i", b.job.Target.Host+",")
	}

	if p.ExtraVars != "" {
		path, err := b.writeTemp("opsrunner-vars-*.json", p.ExtraVars)
		if err != nil {
			return nil, err
		}
		args = append(args, "-e", "@"+path)
	}

	if b.secret.Kind == credential.KindSSHKey && b.secret.Value != "" {
		path, err := b.writeTemp("opsrunner-key-*", b.secret.Value)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, launchErr("restricting key file mode", err)
		}
		args = append(args, "--private-key", path)
	}
	if b.secret.Username != "" {
		args = append(args, "-u", b.secret.Username)
	}

	return args, nil
}

// resolveInput returns a path for a playbook or inventory input: file-sourced
// values resolve against the scripts dir, inline values are written out.
func (b *ansibleBackend) resolveInput(what string, source model.SourceType, value, pattern string) (string, error) {
	if source == model.SourceFile {
		path := filepath.Join(b.cfg.ScriptsDir, value)
		if _, err := os.Stat(path); err != nil {
			return "", launchErr(what+" file "+path, err)
		}
		return path, nil
	}
	path, err := b.writeTemp("opsrunner-"+what+"-"+pattern, value)
	if err != nil {
		return "", err
	}
	return path, nil
}

func (b *ansibleBackend) writeTemp(pattern, content string) (string, error) {
	f, err := os.CreateTemp(b.cfg.WorkDir, pattern)
	if err != nil {
		return "", launchErr("materializing "+pattern, err)
	}
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", launchErr("materializing "+pattern, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", launchErr("materializing "+pattern, err)
	}
	b.mu.Lock()
	b.tmps = append(b.tmps, f.Name())
	b.mu.Unlock()
	return f.Name(), nil
}

func (b *ansibleBackend) removeTemps() {
	b.mu.Lock()
	tmps := b.tmps
	b.tmps = nil
	b.mu.Unlock()
	for _, p := range tmps {
		_ = os.Remove(p)
	}
}
