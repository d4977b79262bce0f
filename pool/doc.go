// Package pool implements admission control and lifecycle accounting
// for concurrently executing agents.
//
// A Manager tracks per-execution counters (spawned agents, resource
// violations, wall-clock budget), an agent process registry, and a
// circuit breaker that stops admitting new agents into an execution
// that is systematically failing. Admission is a strict
// check-then-commit critical section: RegisterAgent re-validates
// CanSpawnAgent under the manager lock so no interleaved admission can
// slip between the check and the registration.
//
// A background resource monitor enforces the whole-execution and
// per-agent runtime budgets and samples process CPU and RSS via
// procfs. It is a best-effort safety net for cooperating agent code,
// not a sandbox.
package pool
