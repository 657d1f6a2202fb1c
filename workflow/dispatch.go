package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/uroborus2s/obsync-root-sub016/lock"
	"github.com/uroborus2s/obsync-root-sub016/queue"
)

// NodeTask 队列里的节点派发信封
type NodeTask struct {
	WorkflowInstanceID int64 `json:"workflow_instance_id"`
	NodeInstanceID     int64 `json:"node_instance_id"`
}

// NodeDispatcher 节点派发接口,engine通过它把就绪节点交给worker
type NodeDispatcher interface {
	DispatchNode(ctx context.Context, task *NodeTask) error
	// DispatchNodeDelayed 延迟派发,重试回退用
	DispatchNodeDelayed(ctx context.Context, task *NodeTask, delay time.Duration) error
}

// queueNodeDispatcher 走队列的派发实现
// 相同实例的任务带相同GroupID,永远路由到同一个分片,保证实例内的派发顺序
type queueNodeDispatcher struct {
	producer *queue.Producer
}

func NewQueueNodeDispatcher(producer *queue.Producer) NodeDispatcher {
	return &queueNodeDispatcher{producer: producer}
}

func (d *queueNodeDispatcher) DispatchNode(ctx context.Context, task *NodeTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return errors.WithMessage(err, "DispatchNode marshal failed")
	}
	_, err = d.producer.Send(ctx, payload, &queue.SendOptions{
		GroupID: fmt.Sprintf("wf:%d", task.WorkflowInstanceID),
	})
	if err != nil {
		return errors.WithMessagef(err, "DispatchNode failed, nodeInstanceID: %d", task.NodeInstanceID)
	}
	return nil
}

func (d *queueNodeDispatcher) DispatchNodeDelayed(ctx context.Context, task *NodeTask, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return errors.WithMessage(err, "DispatchNodeDelayed marshal failed")
	}
	_, err = d.producer.SendDelayed(ctx, payload, delay, &queue.SendOptions{
		GroupID: fmt.Sprintf("wf:%d", task.WorkflowInstanceID),
	})
	if err != nil {
		return errors.WithMessagef(err, "DispatchNodeDelayed failed, nodeInstanceID: %d", task.NodeInstanceID)
	}
	return nil
}

// NewNodeTaskQueueHandler 队列消费侧处理函数,把消息解码后交给engine执行
// 返回error会触发队列的重试/死信路径
func NewNodeTaskQueueHandler(engine *WorkflowEngineImpl) queue.Handler {
	return func(ctx context.Context, msg *queue.Message) error {
		task := &NodeTask{}
		if err := json.Unmarshal(msg.Payload, task); err != nil {
			// 坏消息重试也不会好,丢弃
			slog.WarnContext(ctx, fmt.Sprintf("[NodeTaskQueueHandler] bad payload, msgID: %s, err: %v", msg.ID, err))
			return nil
		}
		return engine.HandleNodeTask(ctx, task)
	}
}

// inlineNodeDispatcher 进程内直接派发,单进程部署和测试用
type inlineNodeDispatcher struct {
	engine *WorkflowEngineImpl
}

func NewInlineNodeDispatcher(engine *WorkflowEngineImpl) NodeDispatcher {
	return &inlineNodeDispatcher{engine: engine}
}

func (d *inlineNodeDispatcher) DispatchNode(ctx context.Context, task *NodeTask) error {
	go d.run(task)
	return nil
}

func (d *inlineNodeDispatcher) DispatchNodeDelayed(ctx context.Context, task *NodeTask, delay time.Duration) error {
	time.AfterFunc(delay, func() { d.run(task) })
	return nil
}

func (d *inlineNodeDispatcher) run(task *NodeTask) {
	if err := d.engine.HandleNodeTask(context.Background(), task); err != nil {
		if errors.Is(errors.Cause(err), lock.LockFailedError) {
			// 实例正在被别的goroutine推进,稍后重投
			time.AfterFunc(50*time.Millisecond, func() { d.run(task) })
			return
		}
		slog.Warn(fmt.Sprintf("[inlineNodeDispatcher] handle failed, nodeInstanceID: %d, err: %v", task.NodeInstanceID, err))
	}
}

// HandleNodeTask worker侧的节点执行入口:
// 状态守卫认领节点 -> 持节点租约执行 -> 结果交给OnNodeResult事务性应用
// 消息是at-least-once投递的,重复认领会因为守卫不匹配而变成no-op
func (s *WorkflowEngineImpl) HandleNodeTask(ctx context.Context, task *NodeTask) error {
	if task == nil {
		return nil
	}
	node, err := s.getNodeInstance(ctx, task.NodeInstanceID)
	if err != nil {
		return err
	}
	if node == nil {
		// 节点不存在,过期消息,确认掉
		return nil
	}
	instance, err := s.getWorkflowInstance(ctx, node.WorkflowInstanceID)
	if err != nil {
		return err
	}
	if instance == nil || IsOverWorkflowInstanceStatus(instance.Status) {
		// 实例已经终止,协作式取消在这里生效: 不再开始新的节点执行
		return nil
	}

	running := NodeInstanceStatusRunning
	rows, err := s.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
		Where: &UpdateNodeInstanceWhere{
			IDIn:     []int64{node.ID},
			StatusIn: []string{NodeInstanceStatusPending, NodeInstanceStatusFailedRetry},
		},
		Fields:   &UpdateNodeInstanceField{Status: &running},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "HandleNodeTask claim failed, nodeInstanceID: %d", node.ID)
	}
	if rows == 0 {
		// 别的worker已经认领,或者节点已经终止
		return nil
	}

	lease, err := s.lockMgr.Acquire(ctx, nodeLeaseKey(node.ID), s.cfg.EngineID, lock.LeaseTypeNode, s.cfg.NodeLeaseTTL)
	if err != nil {
		if errors.Is(errors.Cause(err), lock.ErrAlreadyHeld) {
			// 有别的engine还持着这个节点的租约,等它过期后恢复服务会处理
			return nil
		}
		return errors.WithMessagef(err, "HandleNodeTask acquire node lease failed, nodeInstanceID: %d", node.ID)
	}
	stopRenew := lock.StartAutoRenew(ctx, s.lockMgr, lease, s.cfg.NodeLeaseTTL, nil)
	defer func() {
		stopRenew()
		s.lockMgr.Release(context.Background(), lease)
	}()

	if node.NodeType == NodeTypeSubprocess {
		return s.launchSubprocess(ctx, instance, node)
	}

	result := s.executeNode(ctx, instance, node)
	return s.submitNodeResult(ctx, node.ID, result)
}

// submitNodeResult 带锁竞争等待的结果提交
// 节点已经被认领成running,消息重投不会重新执行,
// 所以结果必须在这里提交成功,不能因为推进锁竞争丢掉
func (s *WorkflowEngineImpl) submitNodeResult(ctx context.Context, nodeInstanceID int64, result *NodeResult) error {
	for {
		err := s.OnNodeResult(ctx, nodeInstanceID, result)
		if err == nil || !errors.Is(errors.Cause(err), lock.LockFailedError) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// executeNode 执行节点逻辑,带节点级超时和panic兜底
// 失败只影响节点自己的结果,不触碰兄弟节点的状态
func (s *WorkflowEngineImpl) executeNode(ctx context.Context, instance *WorkflowInstancePo, node *NodeInstancePo) *NodeResult {
	config, nodeConfig, err := s.resolveNodeConfig(ctx, instance, node.NodeID)
	if err != nil {
		return &NodeResult{Success: false, ErrorMessage: err.Error()}
	}
	executor, ok := s.executors.Get(nodeConfig.Executor)
	if !ok {
		return &NodeResult{
			Success:      false,
			ErrorMessage: errors.Wrapf(ErrNodeExecutorNotFound, "executor: %s", nodeConfig.Executor).Error(),
		}
	}

	timeout := s.cfg.DefaultNodeTimeout
	if nodeConfig.TimeoutSeconds > 0 {
		timeout = time.Duration(nodeConfig.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execution := &NodeExecution{
		WorkflowInstanceID: instance.ID,
		NodeInstanceID:     node.ID,
		NodeID:             node.NodeID,
		NodeType:           node.NodeType,
		ParallelIndex:      node.ParallelIndex,
		Input:              NewJSONContext(node.InputData),
		WorkflowContext:    NewJSONContext(instance.ContextData),
		RetryCount:         node.RetryCount,
	}

	type execResult struct {
		output *JSONContext
		err    error
	}
	resultCh := make(chan *execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- &execResult{err: errors.Wrapf(ErrNodeExecution, "executor panicked: %v", r)}
			}
		}()
		output, err := executor.Execute(execCtx, execution)
		resultCh <- &execResult{output: output, err: err}
	}()

	select {
	case <-execCtx.Done():
		return &NodeResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("node %s execution timeout after %s, definition: %s", node.NodeID, timeout, config.Name),
		}
	case r := <-resultCh:
		if r.err != nil {
			return &NodeResult{Success: false, ErrorMessage: r.err.Error()}
		}
		return &NodeResult{Success: true, Output: r.output}
	}
}
