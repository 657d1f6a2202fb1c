package tests

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uroborus2s/obsync-root-sub016/lock"
	"github.com/uroborus2s/obsync-root-sub016/workflow"
)

// mutexKey互斥: 持有期间第二个提交被拒绝,释放后可以重新提交
func TestMutexKeyExclusive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, env.executors.Register("hold", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			once.Do(func() { close(started) })
			<-release
			return nil, nil
		})))
	env.deploy(t, simpleDef("exclusive",
		&workflow.NodeConfig{ID: "work", Type: workflow.NodeTypeSimple, Executor: "hold"},
	))

	first := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "exclusive", MutexKey: "resource-7"})
	<-started

	// 第一个实例还在running并持有互斥租约
	_, err := env.engine.SubmitWorkflow(ctx, &workflow.SubmitWorkflowReq{DefinitionName: "exclusive", MutexKey: "resource-7"})
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Cause(err), workflow.ErrMutexHeld))

	close(release)
	env.waitStatus(t, first, workflow.WorkflowInstanceStatusCompleted)

	// 实例终止时互斥租约被释放
	_, err = env.engine.SubmitWorkflow(ctx, &workflow.SubmitWorkflowReq{DefinitionName: "exclusive", MutexKey: "resource-7"})
	require.NoError(t, err)
}

// 互斥跨越租约TTL: 实例运行时间超过初始TTL后互斥依然成立
// 心跳循环给mutex租约续约,实例终止前租约不会自然过期
func TestMutexHeldAcrossLeaseTTL(t *testing.T) {
	env := newTestEnvWithConfig(t, &workflow.EngineConfig{
		ExecLockTTL:        2 * time.Second,
		WorkflowLeaseTTL:   400 * time.Millisecond,
		NodeLeaseTTL:       2 * time.Second,
		DefaultNodeTimeout: 10 * time.Second,
	})
	ctx := context.Background()
	heartbeat := workflow.NewHeartbeat(env.engine, workflow.NewMemoryEngineRegistry(), 100*time.Millisecond)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, env.executors.Register("longhold", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			once.Do(func() { close(started) })
			<-release
			return nil, nil
		})))
	env.deploy(t, simpleDef("long_exclusive",
		&workflow.NodeConfig{ID: "work", Type: workflow.NodeTypeSimple, Executor: "longhold"},
	))

	first := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "long_exclusive", MutexKey: "resource-9"})
	<-started

	// 超过两个TTL周期,没有续约的话互斥租约早就过期了
	time.Sleep(900 * time.Millisecond)

	snapshot, err := env.engine.GetStatus(ctx, first)
	require.NoError(t, err)
	require.Equal(t, workflow.WorkflowInstanceStatusRunning, snapshot.Instance.Status)

	_, err = env.engine.SubmitWorkflow(ctx, &workflow.SubmitWorkflowReq{DefinitionName: "long_exclusive", MutexKey: "resource-9"})
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Cause(err), workflow.ErrMutexHeld))

	close(release)
	env.waitStatus(t, first, workflow.WorkflowInstanceStatusCompleted)

	// 实例终止后互斥正常释放
	_, err = env.engine.SubmitWorkflow(ctx, &workflow.SubmitWorkflowReq{DefinitionName: "long_exclusive", MutexKey: "resource-9"})
	require.NoError(t, err)
}

// 并发压测: 大量goroutine抢同一个mutexKey,任何时刻最多一个实例在执行
func TestMutexKeyStress(t *testing.T) {
	env := newTestEnv(t)
	var running, maxRunning, completed int32
	require.NoError(t, env.executors.Register("critical", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			now := atomic.AddInt32(&running, 1)
			for {
				observed := atomic.LoadInt32(&maxRunning)
				if now <= observed || atomic.CompareAndSwapInt32(&maxRunning, observed, now) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&completed, 1)
			return nil, nil
		})))
	env.deploy(t, simpleDef("contended",
		&workflow.NodeConfig{ID: "work", Type: workflow.NodeTypeSimple, Executor: "critical"},
	))

	var wg sync.WaitGroup
	var submitted int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			instanceID, err := env.engine.SubmitWorkflow(ctx, &workflow.SubmitWorkflowReq{DefinitionName: "contended", MutexKey: "shared"})
			if err != nil {
				// 互斥持有期间的提交被拒绝是预期行为
				assert.True(t, errors.Is(errors.Cause(err), workflow.ErrMutexHeld))
				return
			}
			atomic.AddInt32(&submitted, 1)
			if err := env.engine.Advance(ctx, instanceID); err != nil {
				assert.True(t, errors.Is(errors.Cause(err), lock.LockFailedError) ||
					errors.Is(errors.Cause(err), workflow.ErrMutexHeld))
			}
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, atomic.LoadInt32(&submitted), int32(1))
	waitForQuiet(t, func() bool {
		return atomic.LoadInt32(&running) == 0 && atomic.LoadInt32(&completed) >= 1
	})
	// 互斥保证: 执行器并发度从未超过1
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}
