// Package dispatch runs allow-listed commands as external processes.
//
// A command name is looked up in an AllowList that maps it to a fixed argv
// template. The optional project is appended as one trailing argument. No
// shell is involved, so neither the command nor the project can inject
// further arguments or shell syntax.
//
// Execution:
//   - The child runs in the configured work directory
//   - stdout and stderr are each capped (8000 bytes by default); excess is discarded
//   - A hard wall-clock timeout (30 minutes by default) applies
//   - On timeout or context cancellation: SIGTERM → grace period → SIGKILL
//
// Outcomes:
//   - Exit code 0 → success
//   - Non-zero exit code → failed, with the code recorded
//   - Spawn failure, timeout, cancellation → error, with the reason as stderr
//
// The dispatcher never retries. Retry and dead-letter policy belongs to the
// task lifecycle manager.
package dispatch
