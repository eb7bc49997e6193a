package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"opsrunner/internal/credential"
	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

const sshDialTimeout = 15 * time.Second

// sshBackend runs a single command on a remote host over SSH. Host keys are
// accepted on first contact, matching the trust model for targets that are
// registered by an operator rather than discovered.
type sshBackend struct {
	job    model.Job
	secret credential.Secret
	log    logx.Logger

	out  chan string
	done chan struct{}
	res  Result

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
}

func newSSHBackend(job model.Job, secret credential.Secret, log logx.Logger) *sshBackend {
	return &sshBackend{
		job:    job,
		secret: secret,
		log:    log,
		out:    make(chan string, outputBuffer),
		done:   make(chan struct{}),
	}
}

func (b *sshBackend) Start(ctx context.Context) error {
	host := b.job.Target.Host
	if host == "" {
		return launchErr("ssh job has no target host", nil)
	}
	port := b.job.Target.Port
	if port == 0 {
		port = 22
	}
	command := b.job.Payload.Script
	if command == "" {
		return launchErr("ssh job has no command", nil)
	}

	auth, err := sshAuthMethods(b.secret)
	if err != nil {
		return err
	}
	cfg := &ssh.ClientConfig{
		User:            b.secret.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return launchErr("dialing "+addr, err)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return launchErr("ssh handshake with "+addr, err)
	}
	client := ssh.NewClient(cc, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return launchErr("opening ssh session", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return launchErr("ssh stdout pipe", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return launchErr("ssh stderr pipe", err)
	}

	if err := session.Start(command); err != nil {
		_ = session.Close()
		_ = client.Close()
		return launchErr("starting remote command", err)
	}

	b.mu.Lock()
	b.client = client
	b.session = session
	b.mu.Unlock()

	b.log.Debug("ssh command started", logx.String("addr", addr))

	go func() {
		var g errgroup.Group
		g.Go(func() error { return pumpLines(stdout, "", b.out) })
		g.Go(func() error { return pumpLines(stderr, "[STDERR] ", b.out) })
		pipeErr := g.Wait()

		err := session.Wait()
		close(b.out)

		res := Result{}
		switch {
		case err == nil:
			res.ExitCode = 0
		default:
			var ee *ssh.ExitError
			if errors.As(err, &ee) {
				res.ExitCode = ee.ExitStatus()
			} else {
				// Session dropped without an exit status.
				res.ExitCode = -1
				res.Err = fmt.Errorf("ssh session: %w", err)
			}
		}
		if res.Err == nil && pipeErr != nil {
			res.Err = fmt.Errorf("output capture: %w", pipeErr)
		}

		_ = session.Close()
		_ = client.Close()

		b.res = res
		close(b.done)
	}()
	return nil
}

func (b *sshBackend) Output() <-chan string { return b.out }

func (b *sshBackend) Wait() Result {
	<-b.done
	return b.res
}

// Cancel signals the remote process and tears the connection down. Servers
// that ignore the signal are cut off by the connection close.
func (b *sshBackend) Cancel() {
	b.mu.Lock()
	session, client := b.session, b.client
	b.mu.Unlock()
	if session != nil {
		_ = session.Signal(ssh.SIGTERM)
	}
	if client != nil {
		_ = client.Close()
	}
}

func sshAuthMethods(secret credential.Secret) ([]ssh.AuthMethod, error) {
	switch secret.Kind {
	case credential.KindSSHKey:
		var (
			signer ssh.Signer
			err    error
		)
		if secret.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(secret.Value), []byte(secret.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(secret.Value))
		}
		if err != nil {
			return nil, launchErr("parsing ssh private key", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case credential.KindPassword:
		return []ssh.AuthMethod{ssh.Password(secret.Value)}, nil
	default:
		return nil, launchErr(fmt.Sprintf("credential kind %q cannot authenticate ssh", secret.Kind), nil)
	}
}
