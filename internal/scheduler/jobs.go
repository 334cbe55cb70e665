package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/lalithlochan/nudge/internal/rules"
)

// Job names.
const (
	JobReminders   = "reminders"
	JobPreExpire   = "pre_expire"
	JobExpireGrace = "expire_grace"
)

// Job is a named periodic run over a fixed, ordered list of rules.
type Job struct {
	Name     string
	Schedule string
	Rules    []rules.RuleType
}

// DefaultJobs returns the standard job set. Reminder ticks are aligned to
// wall-clock minutes so that replicas contend for the same tick.
func DefaultJobs() []Job {
	return []Job{
		{
			Name:     JobReminders,
			Schedule: "*/5 * * * *",
			Rules:    []rules.RuleType{rules.Reminder24h, rules.Reminder12h, rules.Reminder2h, rules.Reminder1h, rules.Reminder30Min},
		},
		{
			Name:     JobPreExpire,
			Schedule: "5 0 * * *",
			Rules:    []rules.RuleType{rules.PreExpire3D, rules.PreExpire1D},
		},
		{
			Name:     JobExpireGrace,
			Schedule: "10 0 * * *",
			Rules:    []rules.RuleType{rules.ExpireGrace},
		},
	}
}

// cronParser supports standard 5-field cron and descriptors like "@every 5m".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule parses a cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// WithSchedules returns jobs with schedules overridden by name. Empty
// overrides are ignored.
func WithSchedules(jobs []Job, overrides map[string]string) []Job {
	out := make([]Job, len(jobs))
	for i, j := range jobs {
		if s := overrides[j.Name]; s != "" {
			j.Schedule = s
		}
		out[i] = j
	}
	return out
}

type resolvedJob struct {
	Job
	rules []rules.Rule
}

func resolveJobs(jobs []Job) (map[string]resolvedJob, []string, error) {
	byName := make(map[string]resolvedJob, len(jobs))
	order := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j.Name == "" {
			return nil, nil, fmt.Errorf("job name is required")
		}
		if _, dup := byName[j.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate job %q", j.Name)
		}
		if err := ValidateSchedule(j.Schedule); err != nil {
			return nil, nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		rs, err := rules.Resolve(j.Rules...)
		if err != nil {
			return nil, nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		if len(rs) == 0 {
			return nil, nil, fmt.Errorf("job %s has no rules", j.Name)
		}
		byName[j.Name] = resolvedJob{Job: j, rules: rs}
		order = append(order, j.Name)
	}
	return byName, order, nil
}
