package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"opsrunner/internal/credential"
	"opsrunner/internal/engine"
	"opsrunner/internal/executor"
	"opsrunner/internal/storage"
	logx "opsrunner/pkg/logx"
)

type Config struct {
	Logging   LoggingConfig      `json:"logging"`
	Storage   StorageConfig      `json:"storage"`
	Engine    EngineConfig       `json:"engine,omitempty"`
	Scheduler SchedulerConfig    `json:"scheduler"`
	Executor  ExecutorConfig     `json:"executor,omitempty"`
	Creds     []CredentialConfig `json:"credentials,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./opsrunner.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls run admission and cancellation.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type EngineConfig struct {
	// CancelGrace bounds a cooperative cancel before the run is forcibly
	// failed. Omitted means the engine default.
	CancelGrace string `json:"cancel_grace,omitempty"`
}

// SchedulerConfig controls the schedule evaluator.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone for cron evaluation, e.g. "Europe/Berlin". Empty means the
	// process-local zone.
	Timezone string `json:"timezone,omitempty"`
}

// ExecutorConfig points the backends at their tools and directories. Empty
// binary fields fall back to PATH lookups.
type ExecutorConfig struct {
	ScriptsDir    string `json:"scripts_dir,omitempty"`
	WorkDir       string `json:"work_dir,omitempty"`
	ShellBin      string `json:"shell_bin,omitempty"`
	PythonBin     string `json:"python_bin,omitempty"`
	PowershellBin string `json:"powershell_bin,omitempty"`
	AnsibleBin    string `json:"ansible_bin,omitempty"`
}

// CredentialConfig is one entry of the static credential resolver. This is a
// development convenience; production deployments point the resolver at an
// external vault and leave this list empty.
type CredentialConfig struct {
	Ref        string `json:"ref"`
	Kind       string `json:"kind"` // password | ssh-key | token
	Username   string `json:"username,omitempty"`
	Value      string `json:"value,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Validate checks cross-field consistency. Parse errors are caught earlier by
// the strict decoder; this is about values.
func (c *Config) Validate() error {
	var errs []string
	if _, err := ParseDurationField("engine.cancel_grace", c.Engine.CancelGrace); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("scheduler.timezone: %v", err))
		}
	}
	for i, cr := range c.Creds {
		if strings.TrimSpace(cr.Ref) == "" {
			errs = append(errs, fmt.Sprintf("credentials[%d]: ref is required", i))
		}
		switch credential.Kind(cr.Kind) {
		case credential.KindPassword, credential.KindSSHKey, credential.KindToken:
		default:
			errs = append(errs, fmt.Sprintf("credentials[%d]: unknown kind %q", i, cr.Kind))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func (c *Config) EngineOptions() (engine.Options, error) {
	grace, err := ParseDurationField("engine.cancel_grace", c.Engine.CancelGrace)
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{CancelGrace: grace}, nil
}

func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		ScriptsDir:    c.Executor.ScriptsDir,
		WorkDir:       c.Executor.WorkDir,
		ShellBin:      c.Executor.ShellBin,
		PythonBin:     c.Executor.PythonBin,
		PowershellBin: c.Executor.PowershellBin,
		AnsibleBin:    c.Executor.AnsibleBin,
	}
}

func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// PopulateResolver loads the configured static credentials.
func (c *Config) PopulateResolver(r *credential.StaticResolver) {
	for _, cr := range c.Creds {
		r.Put(cr.Ref, credential.Secret{
			Kind:       credential.Kind(cr.Kind),
			Username:   cr.Username,
			Value:      cr.Value,
			Passphrase: cr.Passphrase,
		})
	}
}
