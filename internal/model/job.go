package model

import (
	"time"
)

// JobKind selects the execution backend for a job.
type JobKind string

const (
	KindLocalScript JobKind = "local-script"
	KindSSHCommand  JobKind = "ssh-command"
	KindWinRM       JobKind = "winrm-command"
	KindPlaybook    JobKind = "playbook"
	KindHTTPRequest JobKind = "http-request"
)

// ScriptLanguage selects the interpreter for local-script jobs.
type ScriptLanguage string

const (
	LangShell      ScriptLanguage = "shell"
	LangPython     ScriptLanguage = "python"
	LangPowerShell ScriptLanguage = "powershell"
)

// SourceType says whether script/playbook content is carried inline or
// referenced by path.
type SourceType string

const (
	SourceInline SourceType = "inline"
	SourceFile   SourceType = "file"
)

// Payload carries what a job actually executes. Which fields are meaningful
// depends on the job kind; Validate() enforces the per-kind requirements.
type Payload struct {
	Language   ScriptLanguage `json:"language,omitempty"`
	Source     SourceType     `json:"source,omitempty"`
	Script     string         `json:"script,omitempty"`      // inline script or remote command
	ScriptPath string         `json:"script_path,omitempty"` // relative to the scripts dir

	// Playbook jobs.
	Playbook        string     `json:"playbook,omitempty"`
	InventorySource SourceType `json:"inventory_source,omitempty"`
	Inventory       string     `json:"inventory,omitempty"` // inline INI or path
	ExtraVars       string     `json:"extra_vars,omitempty"` // JSON object or key=value list

	// HTTP jobs.
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Target describes where a remote job runs. Empty Host means local.
type Target struct {
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	CredentialRef string `json:"credential_ref,omitempty"`
}

// Job is the persistent configuration of an automation unit.
type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Kind        JobKind  `json:"kind"`
	Payload     Payload  `json:"payload"`
	Target      Target   `json:"target"`
	Schedule    Schedule `json:"schedule"`

	// Timeout bounds one run; 0 means no per-run timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duplicate returns a copy of j with a fresh identity and cleared schedule
// cursor. Every other field is carried over verbatim.
func (j Job) Duplicate(newID string, now time.Time) Job {
	cp := j
	cp.ID = newID
	cp.Name = j.Name + " (copy)"
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if j.Payload.Headers != nil {
		cp.Payload.Headers = make(map[string]string, len(j.Payload.Headers))
		for k, v := range j.Payload.Headers {
			cp.Payload.Headers[k] = v
		}
	}
	return cp
}

// IsRemote reports whether the job needs a reachable target host.
func (j Job) IsRemote() bool {
	switch j.Kind {
	case KindSSHCommand, KindWinRM:
		return true
	default:
		return false
	}
}
