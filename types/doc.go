// Package types defines the shared data model of Swarmflow: swarm
// executions, agent configurations, stream events, and the structured
// error type used across the framework.
//
// The types here are deliberately free of behavior beyond small
// invariant helpers; the swarm, pool, and stream packages own the
// logic that mutates them.
package types
