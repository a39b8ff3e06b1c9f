// Package service runs conversion tools and archive jobs.
//
// Overview
// Runner executes a resolved command line. It never involves a shell, the
// parameters are split into an argument vector. A watchdog kills the whole
// process group when the timeout expires and marks the result, so callers
// never have to guess a timeout from the exit code.
//
// Scheduler owns a queue of archive jobs and a pool of workers. A job is
// identified by its key (repository, record, url); while a job for a key is
// pending or running, scheduling the same key returns the existing job.
//
// Data flow:
//
//   Schedule(key)        worker                  Converter / RecordStore / Publisher
//       |                   |                           |
//   claim key, enqueue ---->| Convert (up to N times) ->|
//       |                   | CommitArtifact ---------->|
//       |                   | holds key? Publish ------>|
//       |                   | release key               |
//
// Invariants:
//   - At most one active job per key.
//   - Attempts of a job run sequentially on one worker, without backoff.
//   - A job publishes at most one completion event, only after a commit.
//   - Publisher errors are logged, they never fail a committed job.
//
// Janitor periodically removes stale temporary documents and forgets old
// finished jobs.
package service
