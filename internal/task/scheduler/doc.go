// Package scheduler turns persisted job definitions into live cron triggers.
//
// The scheduler only decides when: every fire is enqueued on the shared task
// engine, where the Invoker re-reads the definition, re-checks the enabled
// flag and execution cap, runs the handler, and records the execution.
// Refresh rebuilds the whole live set from the job registry; every manual
// change (add/update/delete/reset) is a registry write followed by Refresh.
package scheduler
