package main

// 分布式形态的最小演示: 节点任务不走进程内,
// 而是经producer进stream分片,由消费者组读出来交回engine执行
// 这里用内存stream,换成redis stream和redis锁就是真正的多进程部署

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/uroborus2s/obsync-root-sub016/internal/commonregister"
	"github.com/uroborus2s/obsync-root-sub016/lock"
	"github.com/uroborus2s/obsync-root-sub016/queue"
	"github.com/uroborus2s/obsync-root-sub016/retry"
	"github.com/uroborus2s/obsync-root-sub016/workflow"
)

func main() {
	fmt.Println("=== 工作流引擎 + 队列派发示例 ===")
	fmt.Println()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		panic(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		panic(err)
	}
	// :memory:下每个连接是独立的库,收紧到单连接
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&workflow.WorkflowDefinitionPo{},
		&workflow.WorkflowInstancePo{},
		&workflow.NodeInstancePo{},
		&queue.QueueJobPo{},
		&queue.QueueJobArchivePo{},
	); err != nil {
		panic(err)
	}

	ctx := context.Background()
	stream := queue.NewMemoryStream()
	queueRepo := queue.NewQueueRepo(db)
	producer, err := queue.NewProducer(&queue.ProducerConfig{
		QueueName: "wf-node",
		Shards:    []string{"s0", "s1", "s2"},
	}, stream, queueRepo)
	if err != nil {
		panic(err)
	}
	defer producer.Close()

	repo := workflow.NewWorkflowRepo(db)
	lockMgr := lock.NewLocalLockManager()
	executors := workflow.NewExecutorSet()
	engine := workflow.NewWorkflowEngine(
		&workflow.EngineConfig{WorkflowLeaseTTL: 10 * time.Second},
		repo, lockMgr,
		workflow.NewQueueNodeDispatcher(producer),
		executors,
		retry.NewExponential(200*time.Millisecond, 2, 5*time.Second),
	)
	fmt.Printf("✓ engine %s 创建成功,派发走队列\n", engine.EngineID())

	// 消费者组读出节点任务交回engine,失败消息按退避重投再进死信
	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		QueueName:       "wf-node",
		Group:           "engines",
		Shards:          []string{"s0", "s1", "s2"},
		Concurrency:     4,
		ReadBlock:       50 * time.Millisecond,
		ClaimIdleAfter:  5 * time.Second,
		ClaimInterval:   time.Second,
		PromoteInterval: 100 * time.Millisecond,
	}, stream, queueRepo, workflow.NewNodeTaskQueueHandler(engine), nil, retry.NewExponential(200*time.Millisecond, 2, 5*time.Second))
	if err != nil {
		panic(err)
	}
	if err := consumer.Start(ctx); err != nil {
		panic(err)
	}
	defer consumer.Stop()

	// 心跳: 发布engine负载并给自己持有的工作流租约续命
	registry := workflow.NewMemoryEngineRegistry()
	heartbeat := workflow.NewHeartbeat(engine, registry, time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	// 启动恢复必须在开始消费之前,这里库是空的所以只是展示调用位置
	workflow.NewRecoveryService(engine).RecoverOnStartup(ctx)

	if err := commonregister.RegisterApprovalWorkflow(ctx, engine, executors); err != nil {
		panic(err)
	}
	fmt.Println("✓ 审批工作流部署成功")
	fmt.Println()

	instanceID, err := engine.SubmitWorkflow(ctx, &workflow.SubmitWorkflowReq{
		DefinitionName: "approval_workflow",
		BusinessKey:    fmt.Sprintf("QUEUE-%d", time.Now().UnixNano()),
	})
	if err != nil {
		panic(err)
	}
	if err := engine.Advance(ctx, instanceID); err != nil {
		panic(err)
	}
	fmt.Printf("✓ 实例 %d 已提交,等待队列消费...\n", instanceID)

	for {
		snapshot, err := engine.GetStatus(ctx, instanceID)
		if err != nil {
			panic(err)
		}
		if workflow.IsOverWorkflowInstanceStatus(snapshot.Instance.Status) {
			fmt.Printf("✅ 实例 %d 结束: %s\n", instanceID, workflow.GetWorkflowInstanceStatusText(snapshot.Instance.Status))
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	monitor := workflow.NewMonitor(engine, registry)
	loads, err := monitor.EngineLoads(ctx)
	if err != nil {
		panic(err)
	}
	for _, load := range loads {
		fmt.Printf("  engine %s: state=%s active=%d\n", load.EngineID, load.State, load.ActiveWorkflowCount)
	}
}
