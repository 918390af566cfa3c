// Package dispatch runs configured shell commands for verified webhook events.
//
// Submit is non-blocking. It takes a slot from a fixed-size worker pool and
// starts the command in the background, or returns ErrUnavailable at once
// when every slot is busy. Nothing is queued: a rejected job is gone, and the
// webhook sender's redelivery is the retry mechanism.
//
// Execution:
//   - The template runs as `<shell> -c <template>` in its own process group
//   - The raw webhook JSON payload is written verbatim to stdin
//   - Event metadata is exported as WEBHOOK_* environment variables
//   - Metadata is never substituted into the template text itself
//   - Stdout and stderr are captured (capped at 64KB each)
//
// Timeout handling:
//   - Each run has a wall-clock timeout (commands.timeout)
//   - When it expires, SIGTERM is sent to the process group
//   - After a 5 second grace period, SIGKILL is sent if anything is still running
//   - The run is recorded as timed_out
//
// Run statuses:
//   - Exit 0 → succeeded
//   - Non-zero exit → failed
//   - Timeout → timed_out
//   - Shell could not be started → spawn_failed
//
// Results go to the log, the optional Recorder (run history) and the
// optional Publisher (event stream). They are never returned to the HTTP
// caller, whose response was sent when the job was accepted.
package dispatch
