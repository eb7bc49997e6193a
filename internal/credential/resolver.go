package credential

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// The engine never stores secret material on jobs or runs; jobs carry opaque
// references and backends resolve them immediately before launch.

var (
	ErrNotFound     = errors.New("credential not found")
	ErrUnauthorized = errors.New("credential access not authorized")
)

// Kind says how a secret authenticates.
type Kind string

const (
	KindPassword Kind = "password"
	KindSSHKey   Kind = "ssh-key"
	KindToken    Kind = "token"
)

// Secret is resolved credential material. It lives only for the duration of a
// backend launch and must never be persisted or logged.
type Secret struct {
	Kind       Kind
	Username   string
	Value      string // password, private key PEM, or bearer token
	Passphrase string // ssh-key only
}

// Resolver turns a credential reference into secret material.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Secret, error)
}

// StaticResolver serves secrets from an in-memory table, typically populated
// from the vault collaborator at startup or from config in development.
type StaticResolver struct {
	mu      sync.RWMutex
	secrets map[string]Secret
}

func NewStatic() *StaticResolver {
	return &StaticResolver{secrets: map[string]Secret{}}
}

func (r *StaticResolver) Put(ref string, s Secret) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return
	}
	r.mu.Lock()
	r.secrets[ref] = s
	r.mu.Unlock()
}

func (r *StaticResolver) Delete(ref string) {
	r.mu.Lock()
	delete(r.secrets, ref)
	r.mu.Unlock()
}

func (r *StaticResolver) Resolve(ctx context.Context, ref string) (Secret, error) {
	_ = ctx
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Secret{}, ErrNotFound
	}
	r.mu.RLock()
	s, ok := r.secrets[ref]
	r.mu.RUnlock()
	if !ok {
		return Secret{}, ErrNotFound
	}
	return s, nil
}
