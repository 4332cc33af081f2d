// Package pipeline routes incoming module readings through named chains of
// registered algorithms.
//
// A reading is recorded in the history buffer, forwarded raw to storage, and
// then every enabled pipeline whose input modules match runs each numeric
// field through its algorithms in declared order. Results go to the storage
// sink and to any registered listeners. Per-algorithm and per-sink failures
// are logged and skipped; they never abort the rest of the reading.
package pipeline
