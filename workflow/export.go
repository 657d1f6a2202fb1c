package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/uroborus2s/obsync-root-sub016/lock"
	"github.com/uroborus2s/obsync-root-sub016/retry"
)

// SubmitWorkflowReq 提交工作流请求
type SubmitWorkflowReq struct {
	DefinitionName string `json:"definition_name" validate:"required"`
	// 0表示取最新版本
	Version int64 `json:"version"`
	// 可选去重key,已经映射到非终态实例时返回ErrDuplicateBusinessKey
	BusinessKey string `json:"business_key"`
	// 可选互斥key,正在被另一个running实例持有时返回ErrMutexHeld
	MutexKey string `json:"mutex_key"`
	Input    *JSONContext
}

// NodeResult 节点执行结果
type NodeResult struct {
	Success      bool
	Output       *JSONContext
	ErrorMessage string
}

// WorkflowStatusSnapshot 实例状态快照,监控API用
type WorkflowStatusSnapshot struct {
	Instance *WorkflowInstancePo
	// 节点数量按状态分组
	NodeCounts map[NodeInstanceStatus]int64
	Nodes      []*NodeInstancePo
}

type WorkflowEngine interface {
	/**
	 * @description: 部署工作流定义,不可变模板,按(name, version)版本化
	 *               部署时做完整性校验: 节点id唯一、依赖存在、没有环
	 * @param ctx context.Context
	 * @param config *DefinitionConfig
	 * @return *WorkflowDefinitionPo, error
	 */
	CreateWorkflowDefinition(ctx context.Context, config *DefinitionConfig) (*WorkflowDefinitionPo, error)
	/**
	 * @description: 提交一次工作流执行,只创建pending实例,不开始执行
	 *               businessKey重复映射到非终态实例返回ErrDuplicateBusinessKey
	 *               mutexKey被其他running实例持有返回ErrMutexHeld
	 * @param ctx context.Context
	 * @param req *SubmitWorkflowReq
	 * @return int64 实例id
	 */
	SubmitWorkflow(ctx context.Context, req *SubmitWorkflowReq) (int64, error)
	/**
	 * @description: 推进工作流实例: 计算就绪节点集合并派发
	 *               一个工作流实例同一时间只会被一个goroutine推进,
	 *               如果有其他goroutine正在推进该实例,返回lock.LockFailedError
	 * @param ctx context.Context
	 * @param workflowInstanceID int64
	 * @return error
	 */
	Advance(ctx context.Context, workflowInstanceID int64) error
	/**
	 * @description: 事务性地应用一个节点执行结果
	 *               成功: 节点completed,输出按确定性规则合并进共享上下文,重新推进
	 *               失败: retryCount < maxRetries时进入failed_retry并延迟重派,
	 *                     否则节点failed,非NonCritical节点会连带实例failed
	 *               实例已经cancelled时观察到取消,中止提交
	 * @param ctx context.Context
	 * @param nodeInstanceID int64
	 * @param result *NodeResult
	 * @return error
	 */
	OnNodeResult(ctx context.Context, nodeInstanceID int64, result *NodeResult) error
	/**
	 * @description: 查询实例状态快照,节点数量按状态分组
	 * @param ctx context.Context
	 * @param workflowInstanceID int64
	 * @return *WorkflowStatusSnapshot, error
	 */
	GetStatus(ctx context.Context, workflowInstanceID int64) (*WorkflowStatusSnapshot, error)
	/**
	 * @description: 查询工作流实例
	 */
	QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error)
	/**
	 * @description: 查询工作流实例数量
	 */
	CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error)
	/**
	 * @description: 协作式取消: 只设置status=cancelled,
	 *               正在执行的节点在下一次结果提交时观察到并中止,不强行打断worker
	 * @param ctx context.Context
	 * @param workflowInstanceID int64
	 * @return error
	 */
	CancelWorkflowInstance(ctx context.Context, workflowInstanceID int64) error
}

// EngineConfig engine配置,零值字段使用默认值
type EngineConfig struct {
	// engine进程标识,租约owner,默认uuid
	EngineID string
	// 推进同步块的锁TTL
	ExecLockTTL time.Duration
	// 工作流实例租约TTL,到期不续约是恢复服务的唯一触发条件
	WorkflowLeaseTTL time.Duration
	// 节点执行租约TTL
	NodeLeaseTTL time.Duration
	// 节点默认执行超时,节点配置TimeoutSeconds优先
	DefaultNodeTimeout time.Duration
}

func (c *EngineConfig) fillDefaults() {
	if c.EngineID == "" {
		c.EngineID = uuid.NewString()
	}
	if c.ExecLockTTL <= 0 {
		c.ExecLockTTL = 30 * time.Second
	}
	if c.WorkflowLeaseTTL <= 0 {
		c.WorkflowLeaseTTL = time.Minute
	}
	if c.NodeLeaseTTL <= 0 {
		c.NodeLeaseTTL = time.Minute
	}
	if c.DefaultNodeTimeout <= 0 {
		c.DefaultNodeTimeout = 5 * time.Minute
	}
}

// WorkflowEngineImpl 工作流状态机
type WorkflowEngineImpl struct {
	cfg        *EngineConfig
	repo       WorkflowRepo
	lockMgr    lock.LockManager
	execSync   *lock.Synchronizer
	dispatcher NodeDispatcher
	executors  *ExecutorSet
	backoff    retry.Strategy
}

func NewWorkflowEngine(
	cfg *EngineConfig,
	repo WorkflowRepo,
	lockMgr lock.LockManager,
	dispatcher NodeDispatcher,
	executors *ExecutorSet,
	backoff retry.Strategy,
) *WorkflowEngineImpl {
	if cfg == nil {
		cfg = &EngineConfig{}
	}
	cfg.fillDefaults()
	if executors == nil {
		executors = NewExecutorSet()
	}
	if backoff == nil {
		backoff = retry.NewExponential(0, 0, 0)
	}
	engine := &WorkflowEngineImpl{
		cfg:       cfg,
		repo:      repo,
		lockMgr:   lockMgr,
		execSync:  lock.NewSynchronizer(lockMgr, cfg.EngineID),
		executors: executors,
		backoff:   backoff,
	}
	if dispatcher == nil {
		// 没有队列时进程内直接派发
		dispatcher = NewInlineNodeDispatcher(engine)
	}
	engine.dispatcher = dispatcher
	return engine
}

func (s *WorkflowEngineImpl) EngineID() string {
	return s.cfg.EngineID
}
