package workflow

import "github.com/pkg/errors"

var (
	// ErrWorkflowParamInvalid 提交入参校验失败,拒绝请求,不会创建任何状态
	ErrWorkflowParamInvalid       = errors.New("workflow param invalid")
	ErrWorkflowDefinitionNotFound = errors.New("workflow definition not found")
	ErrWorkflowInstanceNotFound   = errors.New("workflow instance not found")
	ErrNodeInstanceNotFound       = errors.New("node instance not found")
	ErrNodeExecutorNotFound       = errors.New("node executor not found")
	ErrNodeExecutorRegistered     = errors.New("node executor already registered")
	// ErrDuplicateBusinessKey businessKey已经映射到一个非终态实例
	ErrDuplicateBusinessKey = errors.New("duplicate business key")
	// ErrMutexHeld mutexKey正在被另一个running实例持有
	// 通过锁管理器检查,不是靠数据库唯一约束,避免多进程之间的竞态
	ErrMutexHeld = errors.New("mutex key held by another running instance")
	// ErrLeaseLost 操作中途租约丢失,变更在提交前被中止,可以安全地由恢复流程重试
	ErrLeaseLost = errors.New("workflow lease lost")
	// ErrNodeExecution 节点执行失败,在节点边界捕获,驱动重试/失败决策
	ErrNodeExecution = errors.New("node execution failed")
	// ErrWorkflowTimeout 工作流级别超时,实例被强制failed
	ErrWorkflowTimeout = errors.New("workflow timeout")
)

type WorkflowInstanceStatus = string

const (
	WorkflowInstanceStatusPending WorkflowInstanceStatus = "pending"
	WorkflowInstanceStatusRunning WorkflowInstanceStatus = "running"
	// 中断, 只有engine崩溃检测(租约不再续约)能进入这个状态,
	// 且只能由恢复服务处理: 重新进入running,或者超过maxRetries后finalize成failed
	WorkflowInstanceStatusInterrupted WorkflowInstanceStatus = "interrupted"
	// 完成, 工作流终止状态, 不再重试 普遍含义: 任务执行成功
	WorkflowInstanceStatusCompleted WorkflowInstanceStatus = "completed"
	// 失败, 工作流终止状态, 不再重试 普遍含义: 某个关键节点失败或者超时导致工作流终止
	WorkflowInstanceStatusFailed WorkflowInstanceStatus = "failed"
	// 取消, 工作流终止状态, 不再重试 协作式取消,正在执行的节点在下一次结果提交时观察到并中止
	WorkflowInstanceStatusCancelled WorkflowInstanceStatus = "cancelled"
)

// IsOverWorkflowInstanceStatus 终止状态是最终的,completed/failed/cancelled永远不会回退
func IsOverWorkflowInstanceStatus(status WorkflowInstanceStatus) bool {
	return status == WorkflowInstanceStatusFailed || status == WorkflowInstanceStatusCancelled || status == WorkflowInstanceStatusCompleted
}

func GetWorkflowInstanceStatusText(status WorkflowInstanceStatus) string {
	switch status {
	case WorkflowInstanceStatusPending:
		return "待运行"
	case WorkflowInstanceStatusRunning:
		return "运行中"
	case WorkflowInstanceStatusInterrupted:
		return "中断"
	case WorkflowInstanceStatusCompleted:
		return "完成"
	case WorkflowInstanceStatusFailed:
		return "失败"
	case WorkflowInstanceStatusCancelled:
		return "取消"
	}
	return "未知"
}

type NodeInstanceStatus = string

const (
	NodeInstanceStatusPending NodeInstanceStatus = "pending"
	NodeInstanceStatusRunning NodeInstanceStatus = "running"
	// 完成, 节点终止状态 只有dependsOn里的每个节点都completed,节点才允许进入running
	NodeInstanceStatusCompleted NodeInstanceStatus = "completed"
	// 失败, 节点终止状态, 重试次数耗尽
	NodeInstanceStatusFailed NodeInstanceStatus = "failed"
	// 等待重试, retryCount < maxRetries时的失败,延迟后重新派发
	NodeInstanceStatusFailedRetry NodeInstanceStatus = "failed_retry"
)

func IsOverNodeInstanceStatus(status NodeInstanceStatus) bool {
	return status == NodeInstanceStatusCompleted || status == NodeInstanceStatusFailed
}

func GetNodeInstanceStatusText(status NodeInstanceStatus) string {
	switch status {
	case NodeInstanceStatusPending:
		return "等待中"
	case NodeInstanceStatusRunning:
		return "运行中"
	case NodeInstanceStatusCompleted:
		return "完成"
	case NodeInstanceStatusFailed:
		return "失败"
	case NodeInstanceStatusFailedRetry:
		return "等待重试"
	}
	return "未知"
}

type NodeType = string

const (
	NodeTypeSimple NodeType = "simple"
	// 并行节点, 所有fan-out子节点一次性创建并一起派发,全部终止后组才完成
	NodeTypeParallel NodeType = "parallel"
	// 循环节点, 子节点按有界批次创建,避免无界fan-out
	NodeTypeLoop NodeType = "loop"
	// 子流程节点, 提交一个子工作流实例,子实例终止时回填父节点结果
	NodeTypeSubprocess NodeType = "subprocess"
)

// LoopPhase 循环/并行组的推进阶段
type LoopPhase = string

const (
	LoopPhaseCreating  LoopPhase = "creating"
	LoopPhaseExecuting LoopPhase = "executing"
	LoopPhaseCompleted LoopPhase = "completed"
)

// EngineState engine负载状态
type EngineState = string

const (
	EngineStateActive      EngineState = "active"
	EngineStateInactive    EngineState = "inactive"
	EngineStateMaintenance EngineState = "maintenance"
)

// IsSeriousError 用于定时脚本/消费循环决定日志级别,
// 严重错误打error级别日志,否则打warn级别日志
// 严重错误定义: 需要人工介入处理,
// 1. 当前工作流实例不会重试,异常结束
// 2. 或者当前工作流实例没有办法正常运行,如定义不存在、执行器没有注册
func IsSeriousError(err error) bool {
	if err == nil {
		// 空error不算严重错误
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrWorkflowDefinitionNotFound) ||
		errors.Is(causeErr, ErrWorkflowInstanceNotFound) ||
		errors.Is(causeErr, ErrNodeInstanceNotFound) ||
		errors.Is(causeErr, ErrNodeExecutorNotFound) ||
		errors.Is(causeErr, ErrNodeExecutorRegistered) ||
		errors.Is(causeErr, ErrWorkflowTimeout) {
		return true
	}
	return false
}
