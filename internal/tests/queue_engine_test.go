package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/uroborus2s/obsync-root-sub016/lock"
	"github.com/uroborus2s/obsync-root-sub016/queue"
	"github.com/uroborus2s/obsync-root-sub016/retry"
	"github.com/uroborus2s/obsync-root-sub016/workflow"
)

// 完整队列链路: engine把节点任务发进stream,消费者读出来交回engine执行,
// 重试通过延迟消息走同一条链路
func TestQueueBackedEndToEnd(t *testing.T) {
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
		&queue.QueueJobPo{},
		&queue.QueueJobArchivePo{},
	))

	ctx := context.Background()
	stream := queue.NewMemoryStream()
	queueRepo := queue.NewQueueRepo(db)
	producer, err := queue.NewProducer(&queue.ProducerConfig{
		QueueName: "wf-node",
		Shards:    []string{"s0", "s1"},
	}, stream, queueRepo)
	require.NoError(t, err)
	defer producer.Close()

	repo := workflow.NewWorkflowRepo(db)
	lockMgr := lock.NewLocalLockManager()
	executors := workflow.NewExecutorSet()
	engine := workflow.NewWorkflowEngine(&workflow.EngineConfig{
		ExecLockTTL:      2 * time.Second,
		WorkflowLeaseTTL: 2 * time.Second,
		NodeLeaseTTL:     2 * time.Second,
	}, repo, lockMgr, workflow.NewQueueNodeDispatcher(producer), executors, retry.NewFixed(30*time.Millisecond))

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		QueueName:       "wf-node",
		Group:           "engines",
		Shards:          []string{"s0", "s1"},
		Concurrency:     2,
		ReadBlock:       20 * time.Millisecond,
		ClaimIdleAfter:  500 * time.Millisecond,
		ClaimInterval:   100 * time.Millisecond,
		PromoteInterval: 20 * time.Millisecond,
	}, stream, queueRepo, workflow.NewNodeTaskQueueHandler(engine), nil, retry.NewFixed(30*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	// 第一次失败一次再成功,覆盖延迟重派链路
	var mu sync.Mutex
	attempts := map[string]int{}
	flaky := workflow.NewFuncExecutor(func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
		mu.Lock()
		attempts[execution.NodeID]++
		count := attempts[execution.NodeID]
		mu.Unlock()
		if execution.NodeID == "transform" && count == 1 {
			return nil, errors.New("transient failure")
		}
		out := workflow.NewJSONContext(nil)
		out.Set([]string{"done", execution.NodeID}, true)
		return out, nil
	})
	require.NoError(t, executors.Register("step", flaky))

	_, err = engine.CreateWorkflowDefinition(ctx, simpleDef("pipeline",
		&workflow.NodeConfig{ID: "extract", Type: workflow.NodeTypeSimple, Executor: "step"},
		&workflow.NodeConfig{ID: "transform", Type: workflow.NodeTypeSimple, Executor: "step", DependsOn: []string{"extract"}, MaxRetries: 2},
		&workflow.NodeConfig{ID: "load", Type: workflow.NodeTypeSimple, Executor: "step", DependsOn: []string{"transform"}},
	))
	require.NoError(t, err)

	instanceID, err := engine.SubmitWorkflow(ctx, &workflow.SubmitWorkflowReq{DefinitionName: "pipeline"})
	require.NoError(t, err)
	require.NoError(t, engine.Advance(ctx, instanceID))

	deadline := time.Now().Add(15 * time.Second)
	for {
		snapshot, err := engine.GetStatus(ctx, instanceID)
		require.NoError(t, err)
		if snapshot.Instance.Status == workflow.WorkflowInstanceStatusCompleted {
			merged := workflow.NewJSONContext(snapshot.Instance.ContextData)
			for _, nodeID := range []string{"extract", "transform", "load"} {
				v, ok := merged.GetBool("done", nodeID)
				assert.True(t, ok && v, "missing output of %s", nodeID)
			}
			break
		}
		require.NotEqual(t, workflow.WorkflowInstanceStatusFailed, snapshot.Instance.Status)
		if time.Now().After(deadline) {
			t.Fatalf("pipeline never completed, last: %+v", snapshot.Instance)
		}
		time.Sleep(30 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts["transform"])
	assert.Equal(t, 1, attempts["extract"])
	assert.Equal(t, 1, attempts["load"])
}
