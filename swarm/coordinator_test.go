package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/pool"
	"github.com/BaSui01/swarmflow/stream"
	"github.com/BaSui01/swarmflow/types"
)

// mockExecutor records invocations and delegates to a function field.
type mockExecutor struct {
	invoke func(ctx context.Context, inv Invocation, emit EmitFunc) (*Result, error)

	mu    sync.Mutex
	calls []Invocation
}

func (m *mockExecutor) Invoke(ctx context.Context, inv Invocation, emit EmitFunc) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inv)
	m.mu.Unlock()
	return m.invoke(ctx, inv, emit)
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// scriptExecutor answers each agent with a fixed text.
func scriptExecutor(outputs map[string]string) *mockExecutor {
	return &mockExecutor{
		invoke: func(_ context.Context, inv Invocation, emit EmitFunc) (*Result, error) {
			text := outputs[inv.Agent.Name]
			emit(Chunk{Type: types.EventTextChunk, Text: text})
			return &Result{Text: text}, nil
		},
	}
}

func testPoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MaxConcurrentAgents = 5
	cfg.MaxTotalAgents = 100
	cfg.MaxExecutionTime = time.Minute
	cfg.MaxAgentRuntime = time.Minute
	cfg.GracePeriod = 200 * time.Millisecond
	cfg.KillDelay = 50 * time.Millisecond
	cfg.MonitorInterval = time.Hour
	return cfg
}

func newTestCoordinator(t *testing.T, executor Executor) (*Coordinator, *stream.Hub) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	poolMgr := pool.NewManager(testPoolConfig(), nil, logger)
	hub := stream.NewHub(stream.Config{
		HeartbeatInterval: time.Hour,
		TeardownGrace:     time.Hour, // keep streams inspectable after terminal
		CacheTimeout:      250 * time.Millisecond,
	}, stream.NewMemoryReplayCache(time.Minute), logger)

	cfg := DefaultConfig()
	cfg.TokenBudget = 0
	cfg.AdmissionBackoff = 10 * time.Millisecond
	cfg.AdmissionMaxWait = 2 * time.Second
	c := NewCoordinator(cfg, poolMgr, hub, executor, nil, logger)
	c.builder = NewContextBuilder(0, charCounter{})
	return c, hub
}

func runSwarm(t *testing.T, c *Coordinator, task string, agents []types.AgentConfig, maxHandoffs int) (*Run, error) {
	t.Helper()
	exec := types.NewSwarmExecution("exec-"+t.Name(), task, maxHandoffs)
	run := NewRun(exec, agents, nil)
	err := c.Run(context.Background(), run, agents)
	require.NoError(t, exec.CheckInvariant())
	return run, err
}

func eventTypes(t *testing.T, hub *stream.Hub, executionID string) []types.EventType {
	t.Helper()
	events, err := hub.Replay(context.Background(), executionID)
	require.NoError(t, err)
	out := make([]types.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestCoordinator_SingleAgentCompletes(t *testing.T) {
	exec := scriptExecutor(map[string]string{"researcher": "the answer is 42"})
	c, hub := newTestCoordinator(t, exec)

	run, err := runSwarm(t, c, "find the answer", testRoster()[:1], 10)
	require.NoError(t, err)

	snapshot := run.Snapshot()
	assert.Equal(t, types.ExecutionCompleted, snapshot.Status)
	assert.Equal(t, []string{"researcher"}, snapshot.AgentSequence)
	assert.Equal(t, 0, snapshot.HandoffCount)
	assert.Equal(t, "the answer is 42", snapshot.FinalOutput)
	assert.NotNil(t, snapshot.FinishedAt)

	seq := eventTypes(t, hub, snapshot.ID)
	assert.Equal(t, types.EventAgentStarted, seq[0])
	assert.Equal(t, types.EventExecutionCompleted, seq[len(seq)-1])
}

func TestCoordinator_HandoffChain(t *testing.T) {
	exec := scriptExecutor(map[string]string{
		"researcher": "findings gathered\nHANDOFF_TO: analyst\nREASON: needs synthesis",
		"analyst":    "synthesis complete",
	})
	c, hub := newTestCoordinator(t, exec)

	run, err := runSwarm(t, c, "X", testRoster(), 10)
	require.NoError(t, err)

	snapshot := run.Snapshot()
	assert.Equal(t, types.ExecutionCompleted, snapshot.Status)
	assert.Equal(t, []string{"researcher", "analyst"}, snapshot.AgentSequence)
	assert.Equal(t, 1, snapshot.HandoffCount)
	assert.Equal(t, "synthesis complete", snapshot.FinalOutput)
	assert.Equal(t, "findings gathered\nHANDOFF_TO: analyst\nREASON: needs synthesis",
		snapshot.SharedContext["researcher"])

	seq := eventTypes(t, hub, snapshot.ID)
	assert.Contains(t, seq, types.EventHandoff)
}

func TestCoordinator_SnapshotInvariantDuringHandoffs(t *testing.T) {
	exec := scriptExecutor(map[string]string{
		"researcher": "HANDOFF_TO: analyst\nREASON: go",
		"analyst":    "HANDOFF_TO: compiler\nREASON: on",
		"compiler":   "assembled",
	})
	c, _ := newTestCoordinator(t, exec)

	state := types.NewSwarmExecution("exec-invariant", "X", 10)
	run := NewRun(state, testRoster(), nil)

	// Hammer snapshots for the whole run: the handoff counter and the
	// agent sequence must never be observable out of step.
	stop := make(chan struct{})
	violation := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := run.Snapshot()
			if err := snap.CheckInvariant(); err != nil {
				select {
				case violation <- err:
				default:
				}
				return
			}
		}
	}()

	err := c.Run(context.Background(), run, testRoster())
	close(stop)
	require.NoError(t, err)

	select {
	case err := <-violation:
		t.Fatalf("inconsistent snapshot observed: %v", err)
	default:
	}

	snapshot := run.Snapshot()
	assert.Equal(t, []string{"researcher", "analyst", "compiler"}, snapshot.AgentSequence)
	assert.Equal(t, 2, snapshot.HandoffCount)
}

func TestCoordinator_NoAgentsRejected(t *testing.T) {
	c, _ := newTestCoordinator(t, scriptExecutor(nil))

	state := types.NewSwarmExecution("exec-empty", "X", 10)
	run := NewRun(state, nil, nil)

	err := c.Run(context.Background(), run, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
	assert.Equal(t, types.ExecutionFailed, run.Snapshot().Status)
}

func TestCoordinator_StructuredHandoffPreferred(t *testing.T) {
	executor := &mockExecutor{
		invoke: func(_ context.Context, inv Invocation, _ EmitFunc) (*Result, error) {
			if inv.Agent.Name == "researcher" {
				// Text says compiler, structure says analyst.
				return &Result{
					Text:    "HANDOFF_TO: compiler\nREASON: text path",
					Handoff: &HandoffDecision{ShouldHandoff: true, TargetAgent: "analyst", Reason: "structured path"},
				}, nil
			}
			return &Result{Text: "done"}, nil
		},
	}
	c, _ := newTestCoordinator(t, executor)

	run, err := runSwarm(t, c, "X", testRoster(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"researcher", "analyst"}, run.Snapshot().AgentSequence)
}

func TestCoordinator_InvalidTargetFailsSafe(t *testing.T) {
	exec := scriptExecutor(map[string]string{
		"researcher": "HANDOFF_TO: nonexistent\nREASON: confused",
	})
	c, _ := newTestCoordinator(t, exec)

	run, err := runSwarm(t, c, "X", testRoster()[:1], 10)
	require.NoError(t, err)

	snapshot := run.Snapshot()
	assert.Equal(t, types.ExecutionCompleted, snapshot.Status,
		"an unknown target terminates gracefully, never fails")
	assert.Equal(t, 0, snapshot.HandoffCount)
}

func TestCoordinator_SelfLoopFailsSafe(t *testing.T) {
	exec := scriptExecutor(map[string]string{
		"researcher": "HANDOFF_TO: researcher\nREASON: one more pass",
	})
	c, _ := newTestCoordinator(t, exec)

	run, err := runSwarm(t, c, "X", testRoster(), 10)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, run.Snapshot().Status)
	assert.Equal(t, []string{"researcher"}, run.Snapshot().AgentSequence)
}

func TestCoordinator_HandoffCapHonored(t *testing.T) {
	exec := scriptExecutor(map[string]string{
		"researcher": "HANDOFF_TO: analyst\nREASON: go",
		"analyst":    "HANDOFF_TO: researcher\nREASON: back",
	})
	c, _ := newTestCoordinator(t, exec)

	run, err := runSwarm(t, c, "X", testRoster()[:2], 3)
	require.NoError(t, err)

	snapshot := run.Snapshot()
	assert.Equal(t, types.ExecutionCompleted, snapshot.Status)
	assert.Equal(t, 3, snapshot.HandoffCount)
	assert.Len(t, snapshot.AgentSequence, 4)
}

func TestCoordinator_RepetitionDetected(t *testing.T) {
	exec := scriptExecutor(map[string]string{
		"researcher": "HANDOFF_TO: analyst\nREASON: go",
		"analyst":    "HANDOFF_TO: researcher\nREASON: back",
	})
	c, _ := newTestCoordinator(t, exec)

	// Cap far above where the detector should cut in.
	run, err := runSwarm(t, c, "X", testRoster()[:2], 50)
	require.NoError(t, err)

	snapshot := run.Snapshot()
	assert.Equal(t, types.ExecutionCompleted, snapshot.Status,
		"repetition is graceful termination, not an error")
	// Window 6 fills after the 6th visit; the 7th handoff candidate
	// trips the detector.
	assert.Len(t, snapshot.AgentSequence, 6)
	assert.Less(t, snapshot.HandoffCount, 50)
}

func TestCoordinator_ExecutorRetriedThenSucceeds(t *testing.T) {
	attempts := 0
	executor := &mockExecutor{
		invoke: func(_ context.Context, inv Invocation, _ EmitFunc) (*Result, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("transient backend error")
			}
			return &Result{Text: "recovered"}, nil
		},
	}
	c, _ := newTestCoordinator(t, executor)

	run, err := runSwarm(t, c, "X", testRoster()[:1], 10)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, run.Snapshot().Status)
	assert.Equal(t, 2, attempts)
}

func TestCoordinator_ExecutorExhaustsRetries(t *testing.T) {
	executor := &mockExecutor{
		invoke: func(_ context.Context, _ Invocation, _ EmitFunc) (*Result, error) {
			return nil, errors.New("backend down")
		},
	}
	c, hub := newTestCoordinator(t, executor)

	run, err := runSwarm(t, c, "X", testRoster()[:1], 10)
	require.Error(t, err)
	assert.Equal(t, types.ErrExecutorFailure, types.GetErrorCode(err))

	snapshot := run.Snapshot()
	assert.Equal(t, types.ExecutionFailed, snapshot.Status)
	assert.NotEmpty(t, snapshot.Error)
	assert.Equal(t, 3, executor.callCount(), "one initial attempt plus two retries")

	seq := eventTypes(t, hub, snapshot.ID)
	require.GreaterOrEqual(t, len(seq), 2)
	assert.Equal(t, types.EventError, seq[len(seq)-2],
		"the error event precedes the terminal event")
	assert.Equal(t, types.EventExecutionFailed, seq[len(seq)-1])
}

func TestCoordinator_FailurePreservesPartialContext(t *testing.T) {
	executor := &mockExecutor{
		invoke: func(_ context.Context, inv Invocation, _ EmitFunc) (*Result, error) {
			if inv.Agent.Name == "researcher" {
				return &Result{Text: "partial findings\nHANDOFF_TO: analyst\nREASON: go"}, nil
			}
			return nil, errors.New("analyst crashed")
		},
	}
	c, _ := newTestCoordinator(t, executor)

	run, err := runSwarm(t, c, "X", testRoster()[:2], 10)
	require.Error(t, err)

	snapshot := run.Snapshot()
	assert.Equal(t, types.ExecutionFailed, snapshot.Status)
	assert.Contains(t, snapshot.SharedContext["researcher"], "partial findings")
	assert.Contains(t, snapshot.FinalOutput, "partial findings",
		"final output compiles best-effort accumulated work")
}

func TestCoordinator_StopCancelsRun(t *testing.T) {
	started := make(chan struct{})
	executor := &mockExecutor{
		invoke: func(ctx context.Context, _ Invocation, _ EmitFunc) (*Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	c, hub := newTestCoordinator(t, executor)

	exec := types.NewSwarmExecution("exec-stop", "X", 10)
	ctx, cancel := context.WithCancel(context.Background())
	run := NewRun(exec, testRoster()[:1], cancel)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, run, testRoster()[:1]) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "a stopped execution is not a coordinator error")
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	snapshot := run.Snapshot()
	assert.Equal(t, types.ExecutionStopped, snapshot.Status)

	seq := eventTypes(t, hub, "exec-stop")
	assert.Equal(t, types.EventExecutionStopped, seq[len(seq)-1])
}

func TestCoordinator_ChunksForwardedInOrder(t *testing.T) {
	executor := &mockExecutor{
		invoke: func(_ context.Context, _ Invocation, emit EmitFunc) (*Result, error) {
			emit(Chunk{Type: types.EventTextChunk, Text: "first"})
			emit(Chunk{Type: types.EventToolCall, Payload: map[string]any{"tool": "search"}})
			emit(Chunk{Type: types.EventToolResult, Payload: map[string]any{"hits": 3}})
			emit(Chunk{Type: types.EventTextChunk, Text: "second"})
			return &Result{Text: "firstsecond"}, nil
		},
	}
	c, hub := newTestCoordinator(t, executor)

	run, err := runSwarm(t, c, "X", testRoster()[:1], 10)
	require.NoError(t, err)

	events, err := hub.Replay(context.Background(), run.Snapshot().ID)
	require.NoError(t, err)

	var last uint64
	for _, ev := range events {
		assert.Equal(t, last+1, ev.Sequence, "sequence must be gapless")
		last = ev.Sequence
	}
	seq := eventTypes(t, hub, run.Snapshot().ID)
	assert.Equal(t, []types.EventType{
		types.EventAgentStarted,
		types.EventTextChunk,
		types.EventToolCall,
		types.EventToolResult,
		types.EventTextChunk,
		types.EventAgentCompleted,
		types.EventExecutionCompleted,
	}, seq)
}

func TestCoordinator_PromptCarriesPriorWork(t *testing.T) {
	var analystPrompt string
	executor := &mockExecutor{
		invoke: func(_ context.Context, inv Invocation, _ EmitFunc) (*Result, error) {
			switch inv.Agent.Name {
			case "researcher":
				return &Result{Text: "key finding: gophers\nHANDOFF_TO: analyst\nREASON: synth"}, nil
			default:
				analystPrompt = inv.Prompt
				return &Result{Text: "done"}, nil
			}
		},
	}
	c, _ := newTestCoordinator(t, executor)

	_, err := runSwarm(t, c, "study gophers", testRoster()[:2], 10)
	require.NoError(t, err)

	assert.Contains(t, analystPrompt, "You analyze.")
	assert.Contains(t, analystPrompt, "study gophers")
	assert.Contains(t, analystPrompt, "key finding: gophers")
}

func TestCoordinator_ArtifactsAccumulate(t *testing.T) {
	executor := &mockExecutor{
		invoke: func(_ context.Context, inv Invocation, _ EmitFunc) (*Result, error) {
			return &Result{
				Text: "done",
				Artifacts: []types.Artifact{
					{Name: "report.md", Agent: inv.Agent.Name, Data: []byte("# Report")},
				},
			}, nil
		},
	}
	c, _ := newTestCoordinator(t, executor)

	run, err := runSwarm(t, c, "X", testRoster()[:1], 10)
	require.NoError(t, err)

	snapshot := run.Snapshot()
	require.Len(t, snapshot.Artifacts, 1)
	assert.Equal(t, "report.md", snapshot.Artifacts[0].Name)
}
