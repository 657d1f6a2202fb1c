package workflow

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// NodeExecution 一次节点执行的输入快照
type NodeExecution struct {
	WorkflowInstanceID int64
	NodeInstanceID     int64
	NodeID             string
	NodeType           NodeType
	// 并行/循环子节点在组内的序号,其他类型为0
	ParallelIndex int64
	// 节点自己的输入
	Input *JSONContext
	// 工作流共享上下文快照,所有节点可见
	WorkflowContext *JSONContext
	// 已经重试的次数
	RetryCount int64
}

// NodeExecutor 节点执行器,需要外部实现
type NodeExecutor interface {
	/**
	 * @description: 执行节点逻辑
	 * @param ctx context.Context 带有节点执行超时
	 * @param execution *NodeExecution 本次执行的输入快照
	 * @return *JSONContext 节点输出,会按确定性合并规则合并进工作流共享上下文
	 * @return error nil表示执行成功
	 */
	Execute(ctx context.Context, execution *NodeExecution) (*JSONContext, error)
}

// ExecuteFunc 函数式执行器适配
type ExecuteFunc func(ctx context.Context, execution *NodeExecution) (*JSONContext, error)

type funcExecutor struct {
	fn ExecuteFunc
}

func (e *funcExecutor) Execute(ctx context.Context, execution *NodeExecution) (*JSONContext, error) {
	return e.fn(ctx, execution)
}

func NewFuncExecutor(fn ExecuteFunc) NodeExecutor {
	return &funcExecutor{fn: fn}
}

// ExecutorSet 执行器注册表
// 显式的句柄对象,由调用方创建后注入engine,不使用包级全局状态
type ExecutorSet struct {
	mu        sync.RWMutex
	executors map[string]NodeExecutor
}

func NewExecutorSet() *ExecutorSet {
	return &ExecutorSet{
		executors: make(map[string]NodeExecutor),
	}
}

// Register 注册执行器,重复注册返回ErrNodeExecutorRegistered
func (s *ExecutorSet) Register(name string, executor NodeExecutor) error {
	if name == "" || executor == nil {
		return errors.Wrap(ErrWorkflowParamInvalid, "Register needs a name and an executor")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executors[name]; ok {
		return errors.Wrapf(ErrNodeExecutorRegistered, "executor name: %s", name)
	}
	s.executors[name] = executor
	return nil
}

// Get 查询执行器,没有注册返回nil,false,这不是错误
func (s *ExecutorSet) Get(name string) (NodeExecutor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	executor, ok := s.executors[name]
	return executor, ok
}
