package scheduler

import (
	"strings"

	"scmbridge/internal/jobstore"
)

// Legacy single-task-per-store records carry no handler reference. They are
// bound to one of two default handlers by name.
const (
	LegacySPDTaskName = "SPD定时任务"
	LegacySCMTaskName = "SCM定时任务"

	SPDDefaultHandler = "SpdScheduledTask"
	SCMDefaultHandler = "ScmScheduledTask"
	DefaultMethod     = "Execute"
)

// LegacyTarget returns the default handler for a legacy task name: names
// starting with "SCM" go to the SCM default, everything else to SPD.
func LegacyTarget(taskName string) jobstore.Identity {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(taskName)), "SCM") {
		return jobstore.ByHandler(SCMDefaultHandler, DefaultMethod)
	}
	return jobstore.ByHandler(SPDDefaultHandler, DefaultMethod)
}

// handlerTarget is the handler identity a definition executes.
func handlerTarget(def jobstore.Definition) jobstore.Identity {
	id := def.Identity()
	if id.IsLegacy() {
		return LegacyTarget(id.Name)
	}
	return id
}
