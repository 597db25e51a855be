// Package scheduler holds the recurring task core of the daemon.
//
// A Task carries one due-time policy (fixed interval or daily wall-clock time),
// an action and its run bookkeeping. The Scheduler keeps tasks in registration
// order and runs every due task synchronously during a sweep
// (ProcessDueTasks), which an external driver calls once per cycle.
//
// The scheduler is responsible only for:
//   - registering and removing tasks
//   - evaluating due-time policies
//   - running due actions and containing their failures
package scheduler
