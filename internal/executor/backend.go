package executor

import (
	"context"
	"errors"
	"fmt"

	"opsrunner/internal/credential"
	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

// LaunchError means the backend could not start at all: missing interpreter,
// unreachable target, failed credential resolution. A run that hits one goes
// straight from queued to failed without ever entering running.
type LaunchError struct {
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch failed: %s: %v", e.Reason, e.Err)
	}
	return "launch failed: " + e.Reason
}

func (e *LaunchError) Unwrap() error { return e.Err }

func launchErr(reason string, err error) *LaunchError {
	return &LaunchError{Reason: reason, Err: err}
}

// IsLaunchError reports whether err carries a LaunchError anywhere in its chain.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// Result is what a finished backend reports. Err is set only when the backend
// itself broke (session drop, playbook runner crash); a plain non-zero exit
// comes back as ExitCode with a nil Err.
type Result struct {
	ExitCode int
	Err      error
}

// Backend executes exactly one run.
//
// Contract:
//   - Start returns once the underlying process/session is launched; it fails
//     fast with a *LaunchError and must not be retried on the same instance.
//   - Output yields ordered line-granular output; the channel is closed when
//     the backend produces no further output.
//   - Wait blocks until the execution finishes and may be called once.
//   - Cancel requests termination and returns without waiting for it; it is
//     best-effort and cooperative, never a guarantee.
type Backend interface {
	Start(ctx context.Context) error
	Output() <-chan string
	Wait() Result
	Cancel()
}

// Config carries interpreter/tool locations and the sandbox dir for inline
// payloads. Zero values fall back to PATH lookups and os.TempDir.
type Config struct {
	ScriptsDir    string // root for file-based script/playbook paths
	WorkDir       string // scratch space for materialized inline payloads
	ShellBin      string // default "bash", falling back to "sh"
	PythonBin     string // default "python3"
	PowershellBin string // default "pwsh", falling back to "powershell"
	AnsibleBin    string // default "ansible-playbook"
}

// Factory builds the backend for a job's execution kind. New kinds plug in
// here; nothing else in the engine branches on kind.
type Factory struct {
	cfg      Config
	resolver credential.Resolver
	log      logx.Logger
}

func NewFactory(cfg Config, resolver credential.Resolver, log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Factory{cfg: cfg, resolver: resolver, log: log}
}

// New resolves the job's credential (if any) and constructs the backend.
// Credential failures are reported as launch errors so the run fails before
// entering running.
func (f *Factory) New(ctx context.Context, job model.Job) (Backend, error) {
	var secret credential.Secret
	if ref := job.Target.CredentialRef; ref != "" {
		if f.resolver == nil {
			return nil, launchErr("no credential resolver configured", nil)
		}
		s, err := f.resolver.Resolve(ctx, ref)
		if err != nil {
			return nil, launchErr("credential resolution for "+ref, err)
		}
		secret = s
	}

	log := f.log.With(logx.String("job", job.ID), logx.String("kind", string(job.Kind)))
	switch job.Kind {
	case model.KindLocalScript:
		return newLocalBackend(f.cfg, job, log), nil
	case model.KindSSHCommand:
		return newSSHBackend(job, secret, log), nil
	case model.KindWinRM:
		return newWinRMBackend(job, secret, log), nil
	case model.KindPlaybook:
		return newAnsibleBackend(f.cfg, job, secret, log), nil
	case model.KindHTTPRequest:
		return newHTTPBackend(job, secret, log), nil
	default:
		return nil, launchErr(fmt.Sprintf("unsupported job kind %q", job.Kind), nil)
	}
}
