package pool

import (
	"context"
	"sync"
	"time"
)

// ProcessStatus is the lifecycle state of one tracked agent invocation.
type ProcessStatus string

const (
	ProcessIdle      ProcessStatus = "idle"
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessKilled    ProcessStatus = "killed"
)

// Terminal reports whether the status is final.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessCompleted || s == ProcessFailed || s == ProcessKilled
}

// AgentProcess is one admitted, running, or finished agent invocation.
// Terminal processes move to a bounded history list and are never
// deleted, to support postmortem metrics.
type AgentProcess struct {
	ID           string        `json:"id"`
	ExecutionID  string        `json:"execution_id"`
	Name         string        `json:"name"`
	Role         string        `json:"role"`
	Status       ProcessStatus `json:"status"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	CPUPercent   float64       `json:"cpu_percent"`
	MemoryMB     float64       `json:"memory_mb"`

	handle ProcessHandle
}

// ProcessHandle lets the pool terminate an in-flight agent invocation.
// Stop requests cooperative cancellation; Kill escalates to a hard
// termination; Done is closed once the invocation has actually
// returned.
type ProcessHandle interface {
	Stop()
	Kill()
	Done() <-chan struct{}
}

// CancelHandle adapts a context cancel function into a ProcessHandle
// for goroutine-backed agent executions, where Stop and Kill both
// cancel the invocation context.
type CancelHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewCancelHandle wraps a cancel function. Call Finish when the
// invocation returns.
func NewCancelHandle(cancel context.CancelFunc) *CancelHandle {
	return &CancelHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (h *CancelHandle) Stop() { h.cancel() }

func (h *CancelHandle) Kill() { h.cancel() }

func (h *CancelHandle) Done() <-chan struct{} { return h.done }

// Finish marks the invocation as returned. Idempotent.
func (h *CancelHandle) Finish() {
	h.once.Do(func() { close(h.done) })
}
