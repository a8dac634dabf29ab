package manage

import (
	"fmt"
	"strings"

	"scmbridge/internal/jobstore"
	"scmbridge/internal/task/scheduler"
)

// Legacy selects which fixed-name job a request without a handler identity
// falls back to.
type Legacy int

const (
	LegacySPD Legacy = iota
	LegacySCM
)

func (l Legacy) taskName() string {
	if l == LegacySCM {
		return scheduler.LegacySCMTaskName
	}
	return scheduler.LegacySPDTaskName
}

// JobRef addresses a job. TaskClass+TaskMethod wins; otherwise TaskName;
// otherwise the legacy default.
type JobRef struct {
	TaskClass  string `json:"taskClass,omitempty"`
	TaskMethod string `json:"taskMethod,omitempty"`
	TaskName   string `json:"taskName,omitempty"`
	// Key accepts the "Handler#Method" / "name:<task>" form.
	Key string `json:"key,omitempty"`
}

func (r JobRef) identity(fallback Legacy) (jobstore.Identity, error) {
	class, method := strings.TrimSpace(r.TaskClass), strings.TrimSpace(r.TaskMethod)
	switch {
	case strings.TrimSpace(r.Key) != "":
		return jobstore.ParseIdentity(r.Key)
	case class != "" && method != "":
		return jobstore.ByHandler(class, method), nil
	case class != "" || method != "":
		return jobstore.Identity{}, fmt.Errorf("%w: taskClass and taskMethod go together", jobstore.ErrInvalid)
	case strings.TrimSpace(r.TaskName) != "":
		return jobstore.ByName(r.TaskName), nil
	default:
		return jobstore.ByName(fallback.taskName()), nil
	}
}

// JobRequest carries the fields of an add or update. Status is the legacy
// flag ("0" enabled, anything else disabled); Enabled wins when both are set.
type JobRequest struct {
	JobRef
	CronExpression *string `json:"cronExpression,omitempty"`
	MaxExecCount   *int    `json:"maxExecCount,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
	Status         *string `json:"status,omitempty"`
}

func (r JobRequest) enabled() *bool {
	if r.Enabled != nil {
		return r.Enabled
	}
	if r.Status != nil {
		on := strings.TrimSpace(*r.Status) == "0"
		return &on
	}
	return nil
}

func (r JobRequest) patch() jobstore.Patch {
	p := jobstore.Patch{
		Schedule:     r.CronExpression,
		Enabled:      r.enabled(),
		MaxExecCount: r.MaxExecCount,
	}
	// Renames only apply to handler-bound jobs; the name is the identity otherwise.
	if r.TaskClass != "" && r.TaskName != "" {
		name := r.TaskName
		p.TaskName = &name
	}
	return p
}

func (r JobRequest) definition() (jobstore.Definition, error) {
	class, method := strings.TrimSpace(r.TaskClass), strings.TrimSpace(r.TaskMethod)
	if class == "" || method == "" {
		return jobstore.Definition{}, fmt.Errorf("%w: taskClass and taskMethod are required", jobstore.ErrInvalid)
	}
	schedule := ""
	if r.CronExpression != nil {
		schedule = *r.CronExpression
	}
	def := jobstore.NewDefinition(jobstore.ByHandler(class, method), r.TaskName, schedule)
	if r.MaxExecCount != nil {
		def.MaxExecCount = *r.MaxExecCount
	}
	if en := r.enabled(); en != nil {
		def.Enabled = *en
	}
	return def, nil
}
