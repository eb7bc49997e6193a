package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"opsrunner/internal/model"
)

// fiveField parses standard crontab expressions (minute hour dom month dow)
// plus the usual @descriptors.
var fiveField = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects malformed schedule descriptors at job create/update time,
// so the evaluator can assume validated input and never fails at fire time.
func Validate(s model.Schedule) error {
	switch s.Kind {
	case model.ScheduleCron:
		if _, err := fiveField.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		return nil
	case model.ScheduleInterval:
		if s.Every <= 0 {
			return fmt.Errorf("interval must be > 0")
		}
		return nil
	case model.ScheduleOnce:
		if s.At.IsZero() {
			return fmt.Errorf("one-shot schedule requires a timestamp")
		}
		return nil
	case model.ScheduleManual:
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// NextFire computes the earliest fire time strictly after the given instant.
// ok is false when the schedule has no future fire (manual, or a one-shot
// whose timestamp has passed).
func NextFire(s model.Schedule, after time.Time, loc *time.Location) (next time.Time, ok bool) {
	if loc == nil {
		loc = time.Local
	}
	switch s.Kind {
	case model.ScheduleCron:
		sched, err := fiveField.Parse(s.Expr)
		if err != nil {
			return time.Time{}, false
		}
		n := sched.Next(after.In(loc))
		if n.IsZero() {
			return time.Time{}, false
		}
		return n, true
	case model.ScheduleInterval:
		if s.Every <= 0 {
			return time.Time{}, false
		}
		return after.Add(s.Every), true
	case model.ScheduleOnce:
		if s.At.IsZero() || !s.At.After(after) {
			return time.Time{}, false
		}
		return s.At, true
	default:
		return time.Time{}, false
	}
}

// ParseSpec parses the compact string form used by config files and demo
// tooling:
//
//   - "manual"
//   - "cron:*/5 * * * *" (or any string containing whitespace / leading '@')
//   - "interval:300s" / "every:5m" / bare Go durations like "55m"
//   - "once:2026-01-02T15:04:05Z" (RFC 3339)
//   - bare integers are interval seconds ("300" == every 5 minutes)
func ParseSpec(raw string) (model.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return model.Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case low == "manual":
		return model.Schedule{Kind: model.ScheduleManual}, nil
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return model.Schedule{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		sch := model.Schedule{Kind: model.ScheduleCron, Expr: expr}
		return sch, Validate(sch)
	case strings.HasPrefix(low, "interval:"), strings.HasPrefix(low, "every:"):
		v := strings.TrimSpace(s[strings.Index(s, ":")+1:])
		d, err := parseInterval(v)
		if err != nil {
			return model.Schedule{}, err
		}
		return model.Schedule{Kind: model.ScheduleInterval, Every: d}, nil
	case strings.HasPrefix(low, "once:"):
		v := strings.TrimSpace(s[len("once:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return model.Schedule{}, fmt.Errorf("invalid one-shot timestamp %q: %w", v, err)
		}
		return model.Schedule{Kind: model.ScheduleOnce, At: at}, nil
	}

	// Heuristics: whitespace or leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sch := model.Schedule{Kind: model.ScheduleCron, Expr: s}
		return sch, Validate(sch)
	}

	if d, err := parseInterval(s); err == nil {
		return model.Schedule{Kind: model.ScheduleInterval, Every: d}, nil
	}

	return model.Schedule{}, fmt.Errorf(
		"invalid schedule %q (use 'manual', cron like '*/5 * * * *', a duration like '55m', or 'once:<RFC3339>')",
		raw,
	)
}

func parseInterval(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// Preview returns up to n upcoming fire times, formatted for debug logging.
func Preview(s model.Schedule, loc *time.Location, n int) string {
	if n <= 0 {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		next, ok := NextFire(s, t, loc)
		if !ok {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(next.In(loc).Format("2006-01-02 15:04:05"))
		t = next
	}
	return b.String()
}
