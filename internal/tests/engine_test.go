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
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/uroborus2s/obsync-root-sub016/lock"
	"github.com/uroborus2s/obsync-root-sub016/retry"
	"github.com/uroborus2s/obsync-root-sub016/workflow"
)

type testEnv struct {
	db        *gorm.DB
	repo      workflow.WorkflowRepo
	lockMgr   lock.LockManager
	executors *workflow.ExecutorSet
	engine    *workflow.WorkflowEngineImpl
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, &workflow.EngineConfig{
		ExecLockTTL:        2 * time.Second,
		WorkflowLeaseTTL:   2 * time.Second,
		NodeLeaseTTL:       2 * time.Second,
		DefaultNodeTimeout: 5 * time.Second,
	})
}

func newTestEnvWithConfig(t *testing.T, cfg *workflow.EngineConfig) *testEnv {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// :memory:下每个连接是独立的库,收紧到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&workflow.WorkflowDefinitionPo{},
		&workflow.WorkflowInstancePo{},
		&workflow.NodeInstancePo{},
	))

	repo := workflow.NewWorkflowRepo(db)
	lockMgr := lock.NewLocalLockManager()
	executors := workflow.NewExecutorSet()
	engine := workflow.NewWorkflowEngine(cfg, repo, lockMgr, nil, executors, retry.NewFixed(10*time.Millisecond))
	return &testEnv{
		db:        db,
		repo:      repo,
		lockMgr:   lockMgr,
		executors: executors,
		engine:    engine,
	}
}

func (e *testEnv) deploy(t *testing.T, config *workflow.DefinitionConfig) {
	_, err := e.engine.CreateWorkflowDefinition(context.Background(), config)
	require.NoError(t, err)
}

func (e *testEnv) submitAndRun(t *testing.T, req *workflow.SubmitWorkflowReq) int64 {
	ctx := context.Background()
	instanceID, err := e.engine.SubmitWorkflow(ctx, req)
	require.NoError(t, err)
	require.NoError(t, e.engine.Advance(ctx, instanceID))
	return instanceID
}

func (e *testEnv) waitStatus(t *testing.T, instanceID int64, want workflow.WorkflowInstanceStatus) *workflow.WorkflowStatusSnapshot {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := e.engine.GetStatus(context.Background(), instanceID)
		require.NoError(t, err)
		if snapshot.Instance.Status == want {
			return snapshot
		}
		time.Sleep(20 * time.Millisecond)
	}
	snapshot, _ := e.engine.GetStatus(context.Background(), instanceID)
	t.Fatalf("instance %d never reached %s, last: %+v", instanceID, want, snapshot.Instance)
	return nil
}

func simpleDef(name string, nodes ...*workflow.NodeConfig) *workflow.DefinitionConfig {
	return &workflow.DefinitionConfig{Name: name, Nodes: nodes}
}

func recordingExecutor(mu *sync.Mutex, order *[]string) workflow.NodeExecutor {
	return workflow.NewFuncExecutor(func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
		mu.Lock()
		*order = append(*order, execution.NodeID)
		mu.Unlock()
		out := workflow.NewJSONContext(nil)
		out.Set([]string{"done", execution.NodeID}, true)
		return out, nil
	})
}

// DAG正确性: A -> B, A -> C, B,C -> D
// 节点按{A},{B,C}(任意顺序),{D}完成,D永远不会先于B和C开始
func TestDAGOrdering(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	order := make([]string, 0)
	require.NoError(t, env.executors.Register("record", recordingExecutor(&mu, &order)))

	env.deploy(t, simpleDef("diamond",
		&workflow.NodeConfig{ID: "A", Type: workflow.NodeTypeSimple, Executor: "record"},
		&workflow.NodeConfig{ID: "B", Type: workflow.NodeTypeSimple, Executor: "record", DependsOn: []string{"A"}},
		&workflow.NodeConfig{ID: "C", Type: workflow.NodeTypeSimple, Executor: "record", DependsOn: []string{"A"}},
		&workflow.NodeConfig{ID: "D", Type: workflow.NodeTypeSimple, Executor: "record", DependsOn: []string{"B", "C"}},
	))
	instanceID := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "diamond"})
	snapshot := env.waitStatus(t, instanceID, workflow.WorkflowInstanceStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "A", order[0])
	assert.Equal(t, "D", order[3])
	assert.ElementsMatch(t, []string{"B", "C"}, order[1:3])

	// 所有节点输出都合并进了共享上下文
	merged := workflow.NewJSONContext(snapshot.Instance.ContextData)
	for _, nodeID := range []string{"A", "B", "C", "D"} {
		v, ok := merged.GetBool("done", nodeID)
		assert.True(t, ok && v, "missing output of %s", nodeID)
	}
	assert.Equal(t, int64(4), snapshot.NodeCounts[workflow.NodeInstanceStatusCompleted])

	// 断点跟着每次节点提交走,终点指向最后提交的节点
	checkpoint := workflow.NewJSONContext(snapshot.Instance.CheckpointData)
	lastNode, ok := checkpoint.GetString("last_completed_node_id")
	require.True(t, ok)
	assert.Equal(t, "D", lastNode)
	completedAt, ok := checkpoint.GetInt64("completed_at")
	require.True(t, ok)
	assert.Greater(t, completedAt, int64(0))
}

// 重试边界: maxRetries=2的节点恰好尝试3次,不会有第4次
func TestRetryBound(t *testing.T) {
	env := newTestEnv(t)
	var attempts int32
	require.NoError(t, env.executors.Register("alwaysfail", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New("permanently broken")
		})))

	env.deploy(t, simpleDef("retrying",
		&workflow.NodeConfig{ID: "fragile", Type: workflow.NodeTypeSimple, Executor: "alwaysfail", MaxRetries: 2},
	))
	instanceID := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "retrying"})
	snapshot := env.waitStatus(t, instanceID, workflow.WorkflowInstanceStatusFailed)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, int64(1), snapshot.NodeCounts[workflow.NodeInstanceStatusFailed])
	assert.Contains(t, snapshot.Instance.ErrorMessage, "fragile")
}

// 非关键节点失败不拖垮实例,其余分支继续完成
func TestNonCriticalFailure(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	order := make([]string, 0)
	require.NoError(t, env.executors.Register("record", recordingExecutor(&mu, &order)))
	require.NoError(t, env.executors.Register("fail", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			return nil, errors.New("optional step broke")
		})))

	env.deploy(t, simpleDef("resilient",
		&workflow.NodeConfig{ID: "main", Type: workflow.NodeTypeSimple, Executor: "record"},
		&workflow.NodeConfig{ID: "optional", Type: workflow.NodeTypeSimple, Executor: "fail", NonCritical: true},
	))
	instanceID := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "resilient"})
	snapshot := env.waitStatus(t, instanceID, workflow.WorkflowInstanceStatusCompleted)

	assert.Equal(t, int64(1), snapshot.NodeCounts[workflow.NodeInstanceStatusCompleted])
	assert.Equal(t, int64(1), snapshot.NodeCounts[workflow.NodeInstanceStatusFailed])
}

// 工作流级别超时: 超过timeoutSeconds后实例被强制failed
func TestWorkflowTimeout(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.executors.Register("slow", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			time.Sleep(1200 * time.Millisecond)
			return nil, nil
		})))

	env.deploy(t, &workflow.DefinitionConfig{
		Name:           "slowpoke",
		TimeoutSeconds: 1,
		Nodes: []*workflow.NodeConfig{
			{ID: "nap", Type: workflow.NodeTypeSimple, Executor: "slow"},
			{ID: "after", Type: workflow.NodeTypeSimple, Executor: "slow", DependsOn: []string{"nap"}},
		},
	})
	instanceID := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "slowpoke"})
	snapshot := env.waitStatus(t, instanceID, workflow.WorkflowInstanceStatusFailed)
	assert.Contains(t, snapshot.Instance.ErrorMessage, "timeout")
}

// 协作式取消: 正在执行的节点在结果提交时观察到取消并中止,不强行打断
func TestCancelObservedAtCommit(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, env.executors.Register("blocking", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			once.Do(func() { close(started) })
			<-release
			out := workflow.NewJSONContext(nil)
			out.Set([]string{"finished"}, true)
			return out, nil
		})))

	env.deploy(t, simpleDef("cancellable",
		&workflow.NodeConfig{ID: "work", Type: workflow.NodeTypeSimple, Executor: "blocking"},
	))
	instanceID := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "cancellable"})

	<-started
	require.NoError(t, env.engine.CancelWorkflowInstance(context.Background(), instanceID))
	close(release)

	snapshot := env.waitStatus(t, instanceID, workflow.WorkflowInstanceStatusCancelled)
	// 结果没有被提交,节点不会变成completed
	time.Sleep(200 * time.Millisecond)
	snapshot, err := env.engine.GetStatus(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowInstanceStatusCancelled, snapshot.Instance.Status)
	assert.Zero(t, snapshot.NodeCounts[workflow.NodeInstanceStatusCompleted])
}

// 并行组: 所有fan-out子节点一起创建派发,全部终止后组completed
func TestParallelFanOut(t *testing.T) {
	env := newTestEnv(t)
	var seen sync.Map
	require.NoError(t, env.executors.Register("shardwork", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			seen.Store(execution.ParallelIndex, true)
			return nil, nil
		})))

	env.deploy(t, simpleDef("fanout",
		&workflow.NodeConfig{ID: "spread", Type: workflow.NodeTypeParallel, Executor: "shardwork", FanOutCount: 4},
	))
	instanceID := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "fanout"})
	snapshot := env.waitStatus(t, instanceID, workflow.WorkflowInstanceStatusCompleted)

	count := 0
	seen.Range(func(k, v any) bool { count++; return true })
	assert.Equal(t, 4, count)

	for _, node := range snapshot.Nodes {
		if node.ParentNodeID == "" {
			assert.Equal(t, int64(4), node.LoopCompletedCount)
			assert.Equal(t, workflow.LoopPhaseCompleted, node.LoopPhase)
		}
	}
}

// 单个子节点失败让整个组failed,除非允许部分成功
func TestParallelGroupFailure(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.executors.Register("thirdfails", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			if execution.ParallelIndex == 2 {
				return nil, errors.New("shard 2 broke")
			}
			return nil, nil
		})))

	env.deploy(t, simpleDef("strict",
		&workflow.NodeConfig{ID: "spread", Type: workflow.NodeTypeParallel, Executor: "thirdfails", FanOutCount: 4},
	))
	instanceID := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "strict"})
	env.waitStatus(t, instanceID, workflow.WorkflowInstanceStatusFailed)

	// 允许部分成功时组照样completed
	env.deploy(t, simpleDef("lenient",
		&workflow.NodeConfig{ID: "spread", Type: workflow.NodeTypeParallel, Executor: "thirdfails", FanOutCount: 4, AllowPartialSuccess: true},
	))
	lenientID := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "lenient"})
	snapshot := env.waitStatus(t, lenientID, workflow.WorkflowInstanceStatusCompleted)
	for _, node := range snapshot.Nodes {
		if node.ParentNodeID == "" && node.NodeType == workflow.NodeTypeParallel {
			assert.Equal(t, int64(3), node.LoopCompletedCount)
			assert.Equal(t, int64(1), node.LoopFailedCount)
		}
	}
}

// 循环组: 子节点按有界批次创建,最终全部执行
func TestLoopBatches(t *testing.T) {
	env := newTestEnv(t)
	var executions int32
	require.NoError(t, env.executors.Register("item", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			atomic.AddInt32(&executions, 1)
			return nil, nil
		})))

	env.deploy(t, simpleDef("batched",
		&workflow.NodeConfig{ID: "items", Type: workflow.NodeTypeLoop, Executor: "item", FanOutCount: 5, BatchSize: 2},
	))
	instanceID := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "batched"})
	snapshot := env.waitStatus(t, instanceID, workflow.WorkflowInstanceStatusCompleted)

	assert.Equal(t, int32(5), atomic.LoadInt32(&executions))
	children := 0
	for _, node := range snapshot.Nodes {
		if node.ParentNodeID != "" {
			children++
			assert.Equal(t, workflow.NodeInstanceStatusCompleted, node.Status)
		} else {
			assert.Equal(t, int64(5), node.LoopCompletedCount)
		}
	}
	assert.Equal(t, 5, children)
}

// subprocess节点: 子工作流终止时结果回填父节点
func TestSubprocessNode(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.executors.Register("inner", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			out := workflow.NewJSONContext(nil)
			out.Set([]string{"inner_done"}, true)
			return out, nil
		})))
	require.NoError(t, env.executors.Register("outer", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			// 子流程的输出通过共享上下文对下游可见
			v, ok := execution.WorkflowContext.GetBool("inner_done")
			if !ok || !v {
				return nil, errors.New("inner output not visible")
			}
			return nil, nil
		})))

	env.deploy(t, simpleDef("child",
		&workflow.NodeConfig{ID: "step", Type: workflow.NodeTypeSimple, Executor: "inner"},
	))
	env.deploy(t, simpleDef("parent",
		&workflow.NodeConfig{ID: "delegate", Type: workflow.NodeTypeSubprocess, SubWorkflow: "child"},
		&workflow.NodeConfig{ID: "verify", Type: workflow.NodeTypeSimple, Executor: "outer", DependsOn: []string{"delegate"}},
	))
	instanceID := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "parent"})
	snapshot := env.waitStatus(t, instanceID, workflow.WorkflowInstanceStatusCompleted)
	assert.Equal(t, int64(2), snapshot.NodeCounts[workflow.NodeInstanceStatusCompleted])
}

// businessKey去重: 非终态实例存在时拒绝重复提交
func TestBusinessKeyDedup(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	require.NoError(t, env.executors.Register("hold", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			<-release
			return nil, nil
		})))
	env.deploy(t, simpleDef("dedup",
		&workflow.NodeConfig{ID: "work", Type: workflow.NodeTypeSimple, Executor: "hold"},
	))

	first := env.submitAndRun(t, &workflow.SubmitWorkflowReq{DefinitionName: "dedup", BusinessKey: "order-1"})
	_, err := env.engine.SubmitWorkflow(context.Background(), &workflow.SubmitWorkflowReq{DefinitionName: "dedup", BusinessKey: "order-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Cause(err), workflow.ErrDuplicateBusinessKey))

	close(release)
	env.waitStatus(t, first, workflow.WorkflowInstanceStatusCompleted)

	// 第一个实例终止后同一个businessKey可以重新提交
	_, err = env.engine.SubmitWorkflow(context.Background(), &workflow.SubmitWorkflowReq{DefinitionName: "dedup", BusinessKey: "order-1"})
	require.NoError(t, err)
}
