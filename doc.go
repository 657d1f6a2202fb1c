// Package workflow 提供分布式任务编排功能。
//
// 这是一个持久化的 DAG 工作流引擎，多个 engine 进程可以协同推进同一批工作流，
// 通过租约和乐观并发控制保证每个节点只被一个 worker 执行。
//
// 主要特性：
//   - DAG 编排：节点按依赖推进，支持 simple、parallel、loop、subprocess 四种节点
//   - 数据持久化：基于 GORM，可使用 MySQL、PostgreSQL、SQLite 等数据库
//   - 分布式协调：租约式锁管理（本地或 Redis），租约过期是恢复的唯一触发条件
//   - 队列派发：一致性哈希分片的 stream 队列，组内有序、至少一次投递、死信
//   - 故障恢复：engine 崩溃后孤儿实例和节点由启动恢复接走
//   - 监控：engine 负载注册表、锁视图、实例状态快照
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//
//	    "github.com/uroborus2s/obsync-root-sub016/lock"
//	    "github.com/uroborus2s/obsync-root-sub016/workflow"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	    db.AutoMigrate(&workflow.WorkflowDefinitionPo{}, &workflow.WorkflowInstancePo{}, &workflow.NodeInstancePo{})
//
//	    // 2. 创建engine: 本地锁 + 进程内派发
//	    repo := workflow.NewWorkflowRepo(db)
//	    executors := workflow.NewExecutorSet()
//	    engine := workflow.NewWorkflowEngine(&workflow.EngineConfig{}, repo, lock.NewLocalLockManager(), nil, executors, nil)
//
//	    // 3. 启动恢复,必须在开始消费派发之前
//	    workflow.NewRecoveryService(engine).RecoverOnStartup(ctx)
//
//	    // 4. 部署工作流定义
//	    config, _ := workflow.ParseDefinitionConfig([]byte(`{
//	        "name": "etl",
//	        "nodes": [
//	            {"id": "extract", "type": "simple", "executor": "extract"},
//	            {"id": "load", "type": "simple", "executor": "load", "depends_on": ["extract"]}
//	        ]
//	    }`))
//	    engine.CreateWorkflowDefinition(ctx, config)
//
//	    // 5. 注册执行器
//	    executors.Register("extract", workflow.NewFuncExecutor(
//	        func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
//	            out := workflow.NewJSONContext(nil)
//	            out.Set([]string{"rows"}, 100)
//	            return out, nil
//	        }))
//	    executors.Register("load", workflow.NewFuncExecutor(
//	        func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
//	            // 上游输出通过共享上下文可见
//	            rows, _ := execution.WorkflowContext.GetInt64("rows")
//	            _ = rows
//	            return nil, nil
//	        }))
//
//	    // 6. 提交并推进
//	    instanceID, _ := engine.SubmitWorkflow(ctx, &workflow.SubmitWorkflowReq{DefinitionName: "etl"})
//	    engine.Advance(ctx, instanceID)
//	}
//
// 上下文数据流转机制：
//
// 每个实例携带一个 JSON 共享上下文。节点执行成功后，它的输出按确定性的
// 深度合并规则（后完成的覆盖相同 key）并入共享上下文，对所有下游节点可见：
//
//	// 读取共享上下文
//	orderID, _ := execution.WorkflowContext.GetString("order_id")
//
//	// 写入输出，提交后并入共享上下文
//	out := workflow.NewJSONContext(nil)
//	out.Set([]string{"review_time"}, time.Now().Unix())
//
// 分布式部署时把本地锁换成 lock.NewRedisLockManager，派发换成
// workflow.NewQueueNodeDispatcher + queue 包的 redis stream 实现，
// 多个进程用同一个消费者组消费即可。
package workflow
