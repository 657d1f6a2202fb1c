package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/uroborus2s/obsync-root-sub016/lock"
)

// RecoveryResult 一次恢复的结果
type RecoveryResult struct {
	RecoveredCount int
	Errors         []error
}

// RecoveryService 启动恢复服务
// engine每次启动时运行一次,且必须在开始消费派发之前
// 租约过期是唯一的恢复触发条件: 不靠心跳消息的缺席推断持有者死亡,
// 只有共享快存储里的租约过期是权威的
type RecoveryService struct {
	engine *WorkflowEngineImpl
}

func NewRecoveryService(engine *WorkflowEngineImpl) *RecoveryService {
	return &RecoveryService{engine: engine}
}

/**
 * @description: 扫描孤儿状态并恢复,幂等:
 *               在已经干净的系统上重跑是no-op,RecoveredCount为0且Errors为空
 *               1. running但节点租约已过期的节点: 还有重试额度重置为pending重派,否则failed
 *               2. running但工作流租约已过期的实例: 转为interrupted
 *               3. interrupted实例: retryCount没超过定义maxRetries就重新进入running并推进,
 *                  否则finalize为failed
 * @param ctx context.Context
 * @return *RecoveryResult
 */
func (r *RecoveryService) RecoverOnStartup(ctx context.Context) *RecoveryResult {
	result := &RecoveryResult{}
	r.recoverOrphanedNodes(ctx, result)
	r.recoverOrphanedInstances(ctx, result)
	r.resumeInterruptedInstances(ctx, result)
	return result
}

func (r *RecoveryService) recoverOrphanedNodes(ctx context.Context, result *RecoveryResult) {
	engine := r.engine
	noLimit := true
	nodes, err := engine.repo.QueryNodeInstance(ctx, &QueryNodeInstanceParams{
		StatusIn: []string{NodeInstanceStatusRunning},
		Page:     &Pager{IsNoLimit: &noLimit},
	})
	if err != nil {
		result.Errors = append(result.Errors, errors.WithMessage(err, "recoverOrphanedNodes query failed"))
		return
	}
	for _, node := range nodes {
		lease, err := engine.lockMgr.Get(ctx, nodeLeaseKey(node.ID))
		if err != nil {
			result.Errors = append(result.Errors, errors.WithMessagef(err, "recoverOrphanedNodes get lease failed, nodeInstanceID: %d", node.ID))
			continue
		}
		if lease != nil {
			// 租约还有效,worker活着
			continue
		}
		if node.RetryCount < node.MaxRetries || node.NodeType == NodeTypeSubprocess {
			// subprocess节点等待子实例时不持租约,重置后重派会幂等地重查子实例
			pending := NodeInstanceStatusPending
			rows, err := engine.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
				Where: &UpdateNodeInstanceWhere{
					IDIn:     []int64{node.ID},
					StatusIn: []string{NodeInstanceStatusRunning},
				},
				Fields:   &UpdateNodeInstanceField{Status: &pending},
				LimitMax: 1,
			})
			if err != nil {
				result.Errors = append(result.Errors, errors.WithMessagef(err, "recoverOrphanedNodes reset failed, nodeInstanceID: %d", node.ID))
				continue
			}
			if rows == 0 {
				continue
			}
			result.RecoveredCount++
			if err := engine.dispatcher.DispatchNode(ctx, &NodeTask{WorkflowInstanceID: node.WorkflowInstanceID, NodeInstanceID: node.ID}); err != nil {
				result.Errors = append(result.Errors, errors.WithMessagef(err, "recoverOrphanedNodes redispatch failed, nodeInstanceID: %d", node.ID))
			}
			continue
		}
		failed := NodeInstanceStatusFailed
		errDetails := fmt.Sprintf("node lease expired, retries exhausted, nodeInstanceID: %d", node.ID)
		rows, err := engine.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
			Where: &UpdateNodeInstanceWhere{
				IDIn:     []int64{node.ID},
				StatusIn: []string{NodeInstanceStatusRunning},
			},
			Fields: &UpdateNodeInstanceField{
				Status:       &failed,
				ErrorDetails: &errDetails,
			},
			LimitMax: 1,
		})
		if err != nil {
			result.Errors = append(result.Errors, errors.WithMessagef(err, "recoverOrphanedNodes fail node failed, nodeInstanceID: %d", node.ID))
			continue
		}
		if rows > 0 {
			result.RecoveredCount++
		}
	}
}

func (r *RecoveryService) recoverOrphanedInstances(ctx context.Context, result *RecoveryResult) {
	engine := r.engine
	noLimit := true
	instances, err := engine.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		StatusIn: []string{WorkflowInstanceStatusRunning},
		Page:     &Pager{IsNoLimit: &noLimit},
	})
	if err != nil {
		result.Errors = append(result.Errors, errors.WithMessage(err, "recoverOrphanedInstances query failed"))
		return
	}
	for _, instance := range instances {
		lease, err := engine.lockMgr.Get(ctx, workflowLeaseKey(instance.ID))
		if err != nil {
			result.Errors = append(result.Errors, errors.WithMessagef(err, "recoverOrphanedInstances get lease failed, workflowInstanceID: %d", instance.ID))
			continue
		}
		if lease != nil {
			continue
		}
		// interrupted只能从这里进入,普通转移永远不会
		interrupted := WorkflowInstanceStatusInterrupted
		rows, err := engine.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
			Where: &UpdateWorkflowInstanceWhere{
				IDIn:     []int64{instance.ID},
				StatusIn: []string{WorkflowInstanceStatusRunning},
			},
			Fields:   &UpdateWorkflowInstanceField{Status: &interrupted},
			LimitMax: 1,
		})
		if err != nil {
			result.Errors = append(result.Errors, errors.WithMessagef(err, "recoverOrphanedInstances interrupt failed, workflowInstanceID: %d", instance.ID))
			continue
		}
		if rows > 0 {
			result.RecoveredCount++
		}
	}
}

func (r *RecoveryService) resumeInterruptedInstances(ctx context.Context, result *RecoveryResult) {
	engine := r.engine
	noLimit := true
	instances, err := engine.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		StatusIn: []string{WorkflowInstanceStatusInterrupted},
		Page:     &Pager{IsNoLimit: &noLimit},
	})
	if err != nil {
		result.Errors = append(result.Errors, errors.WithMessage(err, "resumeInterruptedInstances query failed"))
		return
	}
	for _, instance := range instances {
		config, err := engine.resolveDefinitionConfig(ctx, instance.DefinitionID)
		if err != nil {
			result.Errors = append(result.Errors, errors.WithMessagef(err, "resumeInterruptedInstances resolve definition failed, workflowInstanceID: %d", instance.ID))
			continue
		}
		if config.MaxRetries > 0 && instance.RetryCount >= config.MaxRetries {
			errMsg := errors.Wrapf(ErrLeaseLost, "interrupted %d times, exceeded maxRetries %d", instance.RetryCount, config.MaxRetries).Error()
			if err := engine.finalizeInstance(ctx, instance, WorkflowInstanceStatusFailed, errMsg); err != nil {
				result.Errors = append(result.Errors, errors.WithMessagef(err, "resumeInterruptedInstances finalize failed, workflowInstanceID: %d", instance.ID))
				continue
			}
			result.RecoveredCount++
			continue
		}
		running := WorkflowInstanceStatusRunning
		retryCount := instance.RetryCount + 1
		rows, err := engine.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
			Where: &UpdateWorkflowInstanceWhere{
				IDIn:     []int64{instance.ID},
				StatusIn: []string{WorkflowInstanceStatusInterrupted},
			},
			Fields: &UpdateWorkflowInstanceField{
				Status:     &running,
				RetryCount: &retryCount,
			},
			LimitMax: 1,
		})
		if err != nil {
			result.Errors = append(result.Errors, errors.WithMessagef(err, "resumeInterruptedInstances resume failed, workflowInstanceID: %d", instance.ID))
			continue
		}
		if rows == 0 {
			continue
		}
		result.RecoveredCount++
		if len(instance.CheckpointData) > 0 {
			lastNode, _ := NewJSONContext(instance.CheckpointData).GetString("last_completed_node_id")
			slog.InfoContext(ctx, fmt.Sprintf("[RecoveryService.resumeInterruptedInstances] resume after checkpoint, workflowInstanceID: %d, lastCompletedNodeID: %s", instance.ID, lastNode))
		}
		if err := engine.Advance(ctx, instance.ID); err != nil {
			if errors.Is(errors.Cause(err), lock.LockFailedError) {
				// 别的goroutine已经在推进
				continue
			}
			level := slog.LevelWarn
			if IsSeriousError(err) {
				level = slog.LevelError
			}
			slog.Log(ctx, level, fmt.Sprintf("[RecoveryService.resumeInterruptedInstances] advance failed, workflowInstanceID: %d, err: %v", instance.ID, err))
			result.Errors = append(result.Errors, errors.WithMessagef(err, "resumeInterruptedInstances advance failed, workflowInstanceID: %d", instance.ID))
		}
	}
}
