package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/uroborus2s/obsync-root-sub016/lock"
)

// LockStatusInfo 租约状态,给运维展示
type LockStatusInfo struct {
	Key       string `json:"key"`
	Owner     string `json:"owner"`
	Type      string `json:"type"`
	ExpiresAt int64  `json:"expires_at"` // 毫秒
	IsExpired bool   `json:"is_expired"`
}

// Monitor 分布式执行状态聚合
type Monitor struct {
	engine   *WorkflowEngineImpl
	lockMgr  lock.LockManager
	registry EngineRegistry
}

func NewMonitor(engine *WorkflowEngineImpl, registry EngineRegistry) *Monitor {
	return &Monitor{
		engine:   engine,
		lockMgr:  engine.lockMgr,
		registry: registry,
	}
}

// ExecutionStatus 单个实例的分布式执行状态: 节点数量按状态分组
func (m *Monitor) ExecutionStatus(ctx context.Context, workflowInstanceID int64) (*WorkflowStatusSnapshot, error) {
	snapshot, err := m.engine.GetStatus(ctx, workflowInstanceID)
	if err != nil {
		return nil, errors.WithMessagef(err, "ExecutionStatus failed, workflowInstanceID: %d", workflowInstanceID)
	}
	return snapshot, nil
}

// EngineLoads 所有在线engine的负载记录
func (m *Monitor) EngineLoads(ctx context.Context) ([]*EngineLoad, error) {
	loads, err := m.registry.List(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "EngineLoads failed")
	}
	return loads, nil
}

// LockStatus 列出工作流相关的全部租约
func (m *Monitor) LockStatus(ctx context.Context) ([]*LockStatusInfo, error) {
	leases, err := m.lockMgr.List(ctx, "wf:")
	if err != nil {
		return nil, errors.WithMessage(err, "LockStatus failed")
	}
	now := time.Now()
	infos := make([]*LockStatusInfo, 0, len(leases))
	for _, lease := range leases {
		infos = append(infos, &LockStatusInfo{
			Key:       lease.Key,
			Owner:     lease.Owner,
			Type:      lease.Type,
			ExpiresAt: lease.ExpiresAt,
			IsExpired: lease.IsExpired(now),
		})
	}
	return infos, nil
}
