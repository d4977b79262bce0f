/*
Package swarm coordinates a task across a sequence of cooperating
agents connected by a handoff protocol.

# Overview

A swarm execution starts with one agent and a task. Each agent runs to
completion, its output is appended to the execution's shared context,
and its final text is inspected for a handoff directive naming the
next agent. The coordinator loops until an agent finishes without
handing off, a cap is reached, or the repetition detector decides the
swarm is ping-ponging between the same few agents.

# Core model

  - Coordinator: drives one execution's state machine, requesting
    admission from the pool, invoking the executor, and publishing
    every observable step to the event hub
  - Executor: the backend that actually runs an agent, streaming
    chunks and returning a final result
  - HandoffDecision: who runs next and why, parsed from a structured
    result or recovered from HANDOFF_TO/REASON text markers
  - RepetitionDetector: halts executions whose recent handoff window
    contains too few unique agents
  - ContextBuilder: assembles each agent's prompt from the task, the
    prior agents' outputs and the available handoff roster, bounded
    by a token budget
  - Registry: owns the live executions and maps stop requests onto
    the coordinator goroutines driving them

Handoff evaluation fails safe: an unknown target, a self-loop, a
reached cap or detected repetition all terminate the execution as
completed with whatever work has accumulated, never as an error.
*/
package swarm
