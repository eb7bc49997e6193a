package executor

import (
	"context"
	"net"
	"testing"

	"opsrunner/internal/credential"
	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

func winrmJob(host string, port int) model.Job {
	return model.Job{
		ID:   "job-winrm",
		Name: "win",
		Kind: model.KindWinRM,
		Payload: model.Payload{
			Script: "Get-Service",
		},
		Target: model.Target{Host: host, Port: port},
	}
}

func winrmSecret() credential.Secret {
	return credential.Secret{Kind: credential.KindPassword, Username: "admin", Value: "pw"}
}

func TestWinRMBackendStartValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		job    model.Job
		secret credential.Secret
	}{
		{"no host", winrmJob("", 0), winrmSecret()},
		{"no command", func() model.Job {
			j := winrmJob("host1", 0)
			j.Payload.Script = ""
			return j
		}(), winrmSecret()},
		{"wrong credential kind", winrmJob("host1", 0),
			credential.Secret{Kind: credential.KindSSHKey, Value: "key"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newWinRMBackend(tt.job, tt.secret, logx.Nop())
			if err := b.Start(context.Background()); !IsLaunchError(err) {
				t.Fatalf("Start = %v, want LaunchError", err)
			}
		})
	}
}

func TestWinRMBackendUnreachableHostIsLaunchFailure(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close() // port is now refusing connections

	b := newWinRMBackend(winrmJob("127.0.0.1", port), winrmSecret(), logx.Nop())
	if err := b.Start(context.Background()); !IsLaunchError(err) {
		t.Fatalf("Start = %v, want LaunchError", err)
	}
}
