package model

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError aggregates everything wrong with a job config so the caller
// can surface all problems at once instead of fixing them one at a time.
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (v *ValidationError) Add(err error) {
	v.Errors = append(v.Errors, err)
}

func (v *ValidationError) HasError() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", errors.Join(v.Errors...))
}

// Validate checks the structural requirements of a job config: name, kind,
// per-kind payload fields, and target fields for remote kinds. Schedule
// expression syntax is checked separately by the schedule package.
//
// It returns nil when the job is valid, otherwise a *ValidationError.
func (j Job) Validate() error {
	v := &ValidationError{}

	if strings.TrimSpace(j.Name) == "" {
		v.Add(errors.New("name is required"))
	}

	switch j.Kind {
	case KindLocalScript:
		switch j.Payload.Language {
		case LangShell, LangPython, LangPowerShell:
		default:
			v.Add(fmt.Errorf("unsupported script language %q", j.Payload.Language))
		}
		j.validateScriptSource(v)
	case KindSSHCommand, KindWinRM:
		if strings.TrimSpace(j.Target.Host) == "" {
			v.Add(fmt.Errorf("host is required for %s jobs", j.Kind))
		}
		if strings.TrimSpace(j.Payload.Script) == "" {
			v.Add(errors.New("command is required"))
		}
	case KindPlaybook:
		if j.Payload.Source == SourceFile {
			if strings.TrimSpace(j.Payload.ScriptPath) == "" {
				v.Add(errors.New("playbook path is required for file-based playbooks"))
			}
		} else if strings.TrimSpace(j.Payload.Playbook) == "" {
			v.Add(errors.New("playbook content is required"))
		}
		if strings.TrimSpace(j.Target.Host) == "" && strings.TrimSpace(j.Payload.Inventory) == "" {
			v.Add(errors.New("host or inventory is required for playbook jobs"))
		}
	case KindHTTPRequest:
		if strings.TrimSpace(j.Payload.URL) == "" {
			v.Add(errors.New("url is required for http jobs"))
		}
	default:
		v.Add(fmt.Errorf("unknown job kind %q", j.Kind))
	}

	switch j.Schedule.Kind {
	case ScheduleCron:
		if strings.TrimSpace(j.Schedule.Expr) == "" {
			v.Add(errors.New("cron expression is required"))
		}
	case ScheduleInterval:
		if j.Schedule.Every <= 0 {
			v.Add(errors.New("interval must be > 0"))
		}
	case ScheduleOnce:
		if j.Schedule.At.IsZero() {
			v.Add(errors.New("fire timestamp is required for one-shot schedules"))
		}
	case ScheduleManual:
	default:
		v.Add(fmt.Errorf("unknown schedule kind %q", j.Schedule.Kind))
	}

	if j.Timeout < 0 {
		v.Add(errors.New("timeout must be >= 0"))
	}

	if v.HasError() {
		return v
	}
	return nil
}

func (j Job) validateScriptSource(v *ValidationError) {
	if j.Payload.Source == SourceFile {
		if strings.TrimSpace(j.Payload.ScriptPath) == "" {
			v.Add(errors.New("script path is required for file-based jobs"))
		}
		return
	}
	if strings.TrimSpace(j.Payload.Script) == "" {
		v.Add(errors.New("script content is required"))
	}
}
