// Package job implements the in-process job management engine: a
// supervisor that owns spawned OS child processes, captures their stdout
// and stderr, fans output out to a dynamic set of subscribers, and tracks
// lifecycle state, all coordinated by message passing rather than shared
// locks.
package job

import "github.com/google/uuid"

// ID uniquely identifies one job for the lifetime of the process. It is a
// 128-bit random value, collision-free in practice, and serializes to its
// 16 raw bytes via the underlying uuid.UUID array.
type ID = uuid.UUID

// NewID generates a fresh, random job identifier.
func NewID() ID {
	return uuid.New()
}

// Program is the executable name or path passed to StartJob, resolved via
// PATH the same way exec.Command resolves it.
type Program = string

// Args is the argument vector passed to the child process.
type Args = []string

// Dir is the child's working directory. It must exist and be accessible.
type Dir = string

// EnvVar is a single name/value pair in the child's environment. A job's
// full environment is the list of EnvVars passed to StartJob: it replaces
// the parent environment rather than extending it, including the case
// where the list is empty (the child then runs with no environment at
// all).
type EnvVar struct {
	Name  string
	Value string
}

// Environ converts a list of EnvVar into the "NAME=VALUE" slice exec.Cmd
// expects. The result is always non-nil, even when envs is empty, because
// exec.Cmd treats a nil Env as "inherit the parent's environment" and a
// non-nil empty Env as "no environment" -- StartJob always wants the
// latter.
func Environ(envs []EnvVar) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Name+"="+e.Value)
	}
	return out
}
