package swarmflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow"
	"github.com/BaSui01/swarmflow/swarm"
	"github.com/BaSui01/swarmflow/types"
)

type echoExecutor struct{}

func (echoExecutor) Invoke(_ context.Context, inv swarm.Invocation, emit swarm.EmitFunc) (*swarm.Result, error) {
	text := "handled by " + inv.Agent.Name
	emit(swarm.Chunk{Type: types.EventTextChunk, Text: text})
	return &swarm.Result{Text: text}, nil
}

func TestNew_RunsExecutionEndToEnd(t *testing.T) {
	engine, err := swarmflow.New(echoExecutor{}, swarmflow.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	ctx := context.Background()
	t.Cleanup(func() { _ = engine.Close(ctx) })

	run, err := engine.Registry.Start(ctx, "summarize the findings", []types.AgentConfig{
		{Name: "worker", SystemPrompt: "do the work"},
	}, 0)
	require.NoError(t, err)

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}

	snapshot := run.Snapshot()
	assert.Equal(t, types.ExecutionCompleted, snapshot.Status)
	assert.Equal(t, "handled by worker", snapshot.FinalOutput)

	events, err := engine.Hub.Replay(ctx, snapshot.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventExecutionCompleted, events[len(events)-1].Type)
}

func TestEngine_CloseStopsLiveRuns(t *testing.T) {
	blocking := &blockingExecutor{}
	engine, err := swarmflow.New(blocking, swarmflow.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	ctx := context.Background()
	run, err := engine.Registry.Start(ctx, "long task", []types.AgentConfig{
		{Name: "worker", SystemPrompt: "do the work"},
	}, 0)
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, engine.Close(closeCtx))

	assert.Equal(t, types.ExecutionStopped, run.Snapshot().Status)
}

type blockingExecutor struct{}

func (*blockingExecutor) Invoke(ctx context.Context, _ swarm.Invocation, _ swarm.EmitFunc) (*swarm.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
