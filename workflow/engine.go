package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/uroborus2s/obsync-root-sub016/lock"
)

func execLockKey(workflowInstanceID int64) string {
	return fmt.Sprintf("wf:exec:%d", workflowInstanceID)
}

func workflowLeaseKey(workflowInstanceID int64) string {
	return fmt.Sprintf("wf:lease:%d", workflowInstanceID)
}

func nodeLeaseKey(nodeInstanceID int64) string {
	return fmt.Sprintf("wf:node:%d", nodeInstanceID)
}

func mutexLeaseKey(mutexKey string) string {
	return "wf:mutex:" + mutexKey
}

// 非终态的实例状态,businessKey去重和恢复扫描用
var activeWorkflowInstanceStatuses = []string{
	WorkflowInstanceStatusPending,
	WorkflowInstanceStatusRunning,
	WorkflowInstanceStatusInterrupted,
}

func (s *WorkflowEngineImpl) CreateWorkflowDefinition(ctx context.Context, config *DefinitionConfig) (*WorkflowDefinitionPo, error) {
	if err := ValidateDefinitionConfig(config); err != nil {
		return nil, err
	}
	if config.Version <= 0 {
		// 没有指定版本,取最新版本+1
		latest, err := s.latestDefinition(ctx, config.Name)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			config.Version = 1
		} else {
			config.Version = latest.Version + 1
		}
	}
	definitionBytes, err := json.Marshal(config)
	if err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowDefinition marshal failed")
	}
	po, err := s.repo.CreateWorkflowDefinition(ctx, &WorkflowDefinitionPo{
		Name:           config.Name,
		Version:        config.Version,
		Definition:     definitionBytes,
		TimeoutSeconds: config.TimeoutSeconds,
		MaxRetries:     config.MaxRetries,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "CreateWorkflowDefinition failed, name: %s", config.Name)
	}
	return po, nil
}

func (s *WorkflowEngineImpl) latestDefinition(ctx context.Context, name string) (*WorkflowDefinitionPo, error) {
	orderDesc := true
	pos, err := s.repo.QueryWorkflowDefinition(ctx, &QueryWorkflowDefinitionParams{
		Name:               &name,
		OrderbyVersionDesc: &orderDesc,
		Page:               &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "latestDefinition failed, name: %s", name)
	}
	if len(pos) == 0 {
		return nil, nil
	}
	return pos[0], nil
}

func (s *WorkflowEngineImpl) SubmitWorkflow(ctx context.Context, req *SubmitWorkflowReq) (int64, error) {
	if req == nil {
		return 0, errors.Wrap(ErrWorkflowParamInvalid, "nil SubmitWorkflowReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return 0, errors.Wrapf(ErrWorkflowParamInvalid, "SubmitWorkflow failed, req: %v, err: %v", req, err)
	}

	var definitionPo *WorkflowDefinitionPo
	var err error
	if req.Version > 0 {
		pos, queryErr := s.repo.QueryWorkflowDefinition(ctx, &QueryWorkflowDefinitionParams{
			Name:    &req.DefinitionName,
			Version: &req.Version,
			Page:    &Pager{Page: 1, Size: 1},
		})
		if queryErr != nil {
			return 0, errors.WithMessagef(queryErr, "SubmitWorkflow query definition failed, name: %s", req.DefinitionName)
		}
		if len(pos) > 0 {
			definitionPo = pos[0]
		}
	} else {
		definitionPo, err = s.latestDefinition(ctx, req.DefinitionName)
		if err != nil {
			return 0, err
		}
	}
	if definitionPo == nil {
		return 0, errors.Wrapf(ErrWorkflowDefinitionNotFound, "name: %s, version: %d", req.DefinitionName, req.Version)
	}

	// businessKey去重: 已经映射到非终态实例就拒绝
	if req.BusinessKey != "" {
		count, err := s.repo.CountWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
			BusinessKey: &req.BusinessKey,
			StatusIn:    activeWorkflowInstanceStatuses,
		})
		if err != nil {
			return 0, errors.WithMessagef(err, "SubmitWorkflow dedup check failed, businessKey: %s", req.BusinessKey)
		}
		if count > 0 {
			return 0, errors.Wrapf(ErrDuplicateBusinessKey, "businessKey: %s", req.BusinessKey)
		}
	}
	// mutexKey通过锁管理器检查,不靠数据库唯一约束,避免多进程间的竞态
	// 这里只做快速失败,真正的互斥在Advance拿租约时保证
	if req.MutexKey != "" {
		held, err := s.lockMgr.Get(ctx, mutexLeaseKey(req.MutexKey))
		if err != nil {
			return 0, errors.WithMessagef(err, "SubmitWorkflow mutex check failed, mutexKey: %s", req.MutexKey)
		}
		if held != nil {
			return 0, errors.Wrapf(ErrMutexHeld, "mutexKey: %s, owner: %s", req.MutexKey, held.Owner)
		}
	}

	input := req.Input
	if input == nil {
		input = NewJSONContext(nil)
	}
	instance, err := s.repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{
		DefinitionID: definitionPo.ID,
		Status:       WorkflowInstanceStatusPending,
		BusinessKey:  req.BusinessKey,
		MutexKey:     req.MutexKey,
		InputData:    input.ToBytesWithoutError(),
		ContextData:  input.Clone().ToBytesWithoutError(),
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "SubmitWorkflow create instance failed, name: %s", req.DefinitionName)
	}
	return instance.ID, nil
}

func (s *WorkflowEngineImpl) Advance(ctx context.Context, workflowInstanceID int64) error {
	return s.execSync.NonBlockingSynchronized(ctx, execLockKey(workflowInstanceID), s.cfg.ExecLockTTL, func(ctx context.Context) error {
		return s.advanceLocked(ctx, workflowInstanceID)
	})
}

// advanceLocked 推进状态机,调用方必须持有exec同步块
// pending -> running -> {completed | failed | cancelled | interrupted}
func (s *WorkflowEngineImpl) advanceLocked(ctx context.Context, workflowInstanceID int64) error {
	instance, err := s.getWorkflowInstance(ctx, workflowInstanceID)
	if err != nil {
		return err
	}
	if instance == nil {
		return errors.Wrapf(ErrWorkflowInstanceNotFound, "workflowInstanceID: %d", workflowInstanceID)
	}
	if IsOverWorkflowInstanceStatus(instance.Status) {
		// 终止状态是最终的
		return nil
	}
	config, err := s.resolveDefinitionConfig(ctx, instance.DefinitionID)
	if err != nil {
		return err
	}

	// 工作流级别超时检查
	if config.TimeoutSeconds > 0 && instance.StartedAt > 0 {
		deadline := instance.StartedAt + config.TimeoutSeconds*1000
		if time.Now().UnixMilli() >= deadline {
			errMsg := errors.Wrapf(ErrWorkflowTimeout, "timeout after %ds, workflowInstanceID: %d", config.TimeoutSeconds, instance.ID).Error()
			return s.finalizeInstance(ctx, instance, WorkflowInstanceStatusFailed, errMsg)
		}
	}

	if instance.Status == WorkflowInstanceStatusPending {
		if err := s.startInstance(ctx, instance); err != nil {
			return err
		}
		instance.Status = WorkflowInstanceStatusRunning
	}
	s.ensureWorkflowLease(ctx, instance)

	nodes, err := s.listNodeInstances(ctx, instance.ID)
	if err != nil {
		return err
	}
	// 提交前的乐观校验: 推进租约在中途丢了就中止,由恢复流程接手
	if err := s.execSync.Validate(ctx, execLockKey(instance.ID)); err != nil {
		return errors.Wrapf(ErrLeaseLost, "advance aborted, workflowInstanceID: %d, err: %v", instance.ID, err)
	}

	progress, err := s.expandAndDispatch(ctx, instance, config, nodes)
	if err != nil {
		return err
	}
	if progress.criticalFailure != "" {
		return s.finalizeInstance(ctx, instance, WorkflowInstanceStatusFailed, progress.criticalFailure)
	}
	if progress.done {
		return s.finalizeInstance(ctx, instance, WorkflowInstanceStatusCompleted, "")
	}
	return nil
}

// startInstance pending -> running,同时拿下mutex租约
func (s *WorkflowEngineImpl) startInstance(ctx context.Context, instance *WorkflowInstancePo) error {
	if instance.MutexKey != "" {
		_, err := s.lockMgr.Acquire(ctx, mutexLeaseKey(instance.MutexKey), s.cfg.EngineID, lock.LeaseTypeResource, s.cfg.WorkflowLeaseTTL)
		if err != nil {
			if errors.Is(errors.Cause(err), lock.ErrAlreadyHeld) {
				return errors.Wrapf(ErrMutexHeld, "mutexKey: %s, workflowInstanceID: %d", instance.MutexKey, instance.ID)
			}
			return errors.WithMessagef(err, "startInstance acquire mutex failed, workflowInstanceID: %d", instance.ID)
		}
	}
	running := WorkflowInstanceStatusRunning
	startedAt := time.Now().UnixMilli()
	rows, err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn:     []int64{instance.ID},
			StatusIn: []string{WorkflowInstanceStatusPending},
		},
		Fields: &UpdateWorkflowInstanceField{
			Status:    &running,
			StartedAt: &startedAt,
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "startInstance failed, workflowInstanceID: %d", instance.ID)
	}
	if rows > 0 {
		instance.StartedAt = startedAt
	}
	return nil
}

// ensureWorkflowLease 保证实例的工作流租约存在,mutex实例还要保证mutex租约存在
// 工作流租约到期不续约是恢复服务感知engine崩溃的唯一依据;
// mutex租约必须和实例同寿命,单靠获取时的TTL撑不过长实例,
// 中断恢复重新推进时也在这里重新拿回mutex
func (s *WorkflowEngineImpl) ensureWorkflowLease(ctx context.Context, instance *WorkflowInstancePo) {
	s.ensureLease(ctx, workflowLeaseKey(instance.ID), lock.LeaseTypeWorkflow)
	if instance.MutexKey != "" {
		s.ensureLease(ctx, mutexLeaseKey(instance.MutexKey), lock.LeaseTypeResource)
	}
}

func (s *WorkflowEngineImpl) ensureLease(ctx context.Context, key string, leaseType lock.LeaseType) {
	current, err := s.lockMgr.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[WorkflowEngine.ensureLease] get failed, key: %s, err: %v", key, err))
		return
	}
	if current == nil {
		if _, err := s.lockMgr.Acquire(ctx, key, s.cfg.EngineID, leaseType, s.cfg.WorkflowLeaseTTL); err != nil &&
			!errors.Is(errors.Cause(err), lock.ErrAlreadyHeld) {
			slog.WarnContext(ctx, fmt.Sprintf("[WorkflowEngine.ensureLease] acquire failed, key: %s, err: %v", key, err))
		}
		return
	}
	if current.Owner == s.cfg.EngineID {
		if err := s.lockMgr.Renew(ctx, current, s.cfg.WorkflowLeaseTTL); err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("[WorkflowEngine.ensureLease] renew failed, key: %s, err: %v", key, err))
		}
	}
	// 别的engine持有且没过期,由它续约
}

// advanceProgress 一轮推进的结论
type advanceProgress struct {
	done            bool
	criticalFailure string
}

// expandAndDispatch 惰性展开DAG并派发就绪节点
// 就绪集合: dependsOn全部completed且自身pending的节点
func (s *WorkflowEngineImpl) expandAndDispatch(ctx context.Context, instance *WorkflowInstancePo, config *DefinitionConfig, nodes []*NodeInstancePo) (*advanceProgress, error) {
	progress := &advanceProgress{}

	// 父节点行按配置id索引,子节点行按组id分组
	parentRows := make(map[string]*NodeInstancePo)
	childRows := make(map[string][]*NodeInstancePo)
	for _, row := range nodes {
		if row.ParentNodeID != "" {
			childRows[row.ParentNodeID] = append(childRows[row.ParentNodeID], row)
		} else {
			parentRows[row.NodeID] = row
		}
	}

	nodeConfigs := make(map[string]*NodeConfig, len(config.Nodes))
	for _, nc := range config.Nodes {
		nodeConfigs[nc.ID] = nc
	}

	// 先结算并行/循环组: 更新进度计数,全部终止后决定组的命运
	for _, nc := range config.Nodes {
		row, ok := parentRows[nc.ID]
		if !ok || row.Status != NodeInstanceStatusRunning {
			continue
		}
		if nc.Type != NodeTypeParallel && nc.Type != NodeTypeLoop {
			continue
		}
		if err := s.settleGroup(ctx, instance, nc, row, childRows[nc.ID], progress); err != nil {
			return nil, err
		}
	}

	completed := func(nodeID string) bool {
		row, ok := parentRows[nodeID]
		return ok && row.Status == NodeInstanceStatusCompleted
	}
	depsCompleted := func(nc *NodeConfig) bool {
		for _, dep := range nc.DependsOn {
			if !completed(dep) {
				return false
			}
		}
		return true
	}

	// 展开就绪的未实例化节点
	lastDispatched := ""
	for _, nc := range config.Nodes {
		if _, ok := parentRows[nc.ID]; ok {
			continue
		}
		if !depsCompleted(nc) {
			continue
		}
		row, err := s.instantiateNode(ctx, instance, nc)
		if err != nil {
			return nil, err
		}
		parentRows[nc.ID] = row
		lastDispatched = nc.ID
	}

	// 重新派发已经就绪但还pending的节点行(崩溃恢复后的重投,认领守卫保证幂等)
	for _, nc := range config.Nodes {
		row := parentRows[nc.ID]
		if row == nil || row.Status != NodeInstanceStatusPending {
			continue
		}
		if !depsCompleted(nc) {
			continue
		}
		if err := s.dispatcher.DispatchNode(ctx, &NodeTask{WorkflowInstanceID: instance.ID, NodeInstanceID: row.ID}); err != nil {
			return nil, errors.WithMessagef(err, "expandAndDispatch dispatch failed, nodeID: %s", nc.ID)
		}
		lastDispatched = nc.ID
	}
	for _, rows := range childRows {
		for _, row := range rows {
			if row.Status != NodeInstanceStatusPending {
				continue
			}
			if err := s.dispatcher.DispatchNode(ctx, &NodeTask{WorkflowInstanceID: instance.ID, NodeInstanceID: row.ID}); err != nil {
				return nil, errors.WithMessagef(err, "expandAndDispatch dispatch child failed, nodeID: %s", row.NodeID)
			}
		}
	}

	if lastDispatched != "" {
		if _, err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
			Where:    &UpdateWorkflowInstanceWhere{IDIn: []int64{instance.ID}},
			Fields:   &UpdateWorkflowInstanceField{CurrentNodeID: &lastDispatched},
			LimitMax: 1,
		}); err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("[WorkflowEngine.expandAndDispatch] update currentNodeID failed, workflowInstanceID: %d, err: %v", instance.ID, err))
		}
	}

	// 崩溃在节点failed和实例finalize之间时,这里补判关键失败
	for _, nc := range config.Nodes {
		row := parentRows[nc.ID]
		if row != nil && row.Status == NodeInstanceStatusFailed && !nc.NonCritical && progress.criticalFailure == "" {
			progress.criticalFailure = errors.Wrapf(ErrNodeExecution, "node %s failed: %s", nc.ID, row.ErrorDetails).Error()
		}
	}
	if progress.criticalFailure != "" {
		return progress, nil
	}

	// 完成判定: 没有活跃节点行,也没有还能实例化的节点
	// 关键失败在上面已经短路,剩下的未实例化节点只可能被非关键失败挡住,视为跳过
	active := false
	for _, row := range parentRows {
		if !IsOverNodeInstanceStatus(row.Status) {
			active = true
			break
		}
	}
	if !active {
		for _, rows := range childRows {
			for _, row := range rows {
				if !IsOverNodeInstanceStatus(row.Status) {
					active = true
					break
				}
			}
		}
	}
	instantiable := false
	for _, nc := range config.Nodes {
		if _, ok := parentRows[nc.ID]; !ok && depsCompleted(nc) {
			instantiable = true
			break
		}
	}
	if !active && !instantiable {
		progress.done = true
	}
	return progress, nil
}

// instantiateNode 创建节点实例行并派发
// parallel: 所有fan-out子节点一次性创建一起派发
// loop: 子节点按有界批次创建,第一批在这里,后续批次由settleGroup接力
func (s *WorkflowEngineImpl) instantiateNode(ctx context.Context, instance *WorkflowInstancePo, nc *NodeConfig) (*NodeInstancePo, error) {
	dependsOn, _ := json.Marshal(nc.DependsOn)
	switch nc.Type {
	case NodeTypeParallel, NodeTypeLoop:
		parent := &NodeInstancePo{
			WorkflowInstanceID: instance.ID,
			NodeID:             nc.ID,
			NodeType:           nc.Type,
			Status:             NodeInstanceStatusRunning,
			DependsOn:          dependsOn,
			LoopTotalCount:     nc.FanOutCount,
			LoopPhase:          LoopPhaseCreating,
			MaxRetries:         nc.MaxRetries,
		}
		batch := nc.FanOutCount
		if nc.Type == NodeTypeLoop {
			batch = nc.BatchSize
			if batch > nc.FanOutCount {
				batch = nc.FanOutCount
			}
		}
		var children []*NodeInstancePo
		err := s.repo.Transaction(ctx, func(ctx context.Context) error {
			if _, err := s.repo.CreateNodeInstance(ctx, parent); err != nil {
				return err
			}
			children = buildGroupChildren(instance.ID, nc, 0, batch)
			return s.repo.CreateNodeInstances(ctx, children)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "instantiateNode group failed, nodeID: %s", nc.ID)
		}
		if batch == nc.FanOutCount {
			s.markGroupPhase(ctx, parent, LoopPhaseExecuting)
		}
		for _, child := range children {
			if err := s.dispatcher.DispatchNode(ctx, &NodeTask{WorkflowInstanceID: instance.ID, NodeInstanceID: child.ID}); err != nil {
				return nil, errors.WithMessagef(err, "instantiateNode dispatch child failed, nodeID: %s", nc.ID)
			}
		}
		return parent, nil
	default:
		row, err := s.repo.CreateNodeInstance(ctx, &NodeInstancePo{
			WorkflowInstanceID: instance.ID,
			NodeID:             nc.ID,
			NodeType:           nc.Type,
			Status:             NodeInstanceStatusPending,
			DependsOn:          dependsOn,
			MaxRetries:         nc.MaxRetries,
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "instantiateNode failed, nodeID: %s", nc.ID)
		}
		if err := s.dispatcher.DispatchNode(ctx, &NodeTask{WorkflowInstanceID: instance.ID, NodeInstanceID: row.ID}); err != nil {
			return nil, errors.WithMessagef(err, "instantiateNode dispatch failed, nodeID: %s", nc.ID)
		}
		return row, nil
	}
}

func buildGroupChildren(workflowInstanceID int64, nc *NodeConfig, from, count int64) []*NodeInstancePo {
	children := make([]*NodeInstancePo, 0, count)
	for i := from; i < from+count && i < nc.FanOutCount; i++ {
		children = append(children, &NodeInstancePo{
			WorkflowInstanceID: workflowInstanceID,
			NodeID:             nc.ID,
			NodeType:           NodeTypeSimple,
			Status:             NodeInstanceStatusPending,
			ParentNodeID:       nc.ID,
			ParallelGroupID:    nc.ID,
			ParallelIndex:      i,
			MaxRetries:         nc.MaxRetries,
		})
	}
	return children
}

// settleGroup 结算一个并行/循环组:
// 更新进度计数,loop在当前批次全部终止后创建下一批,
// 全部子节点终止后组completed,有失败且不允许部分成功则组failed
func (s *WorkflowEngineImpl) settleGroup(ctx context.Context, instance *WorkflowInstancePo, nc *NodeConfig, parent *NodeInstancePo, children []*NodeInstancePo, progress *advanceProgress) error {
	var completedCount, failedCount, activeCount int64
	for _, child := range children {
		switch child.Status {
		case NodeInstanceStatusCompleted:
			completedCount++
		case NodeInstanceStatusFailed:
			failedCount++
		default:
			activeCount++
		}
	}
	created := int64(len(children))

	if completedCount != parent.LoopCompletedCount || failedCount != parent.LoopFailedCount {
		if _, err := s.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
			Where: &UpdateNodeInstanceWhere{IDIn: []int64{parent.ID}},
			Fields: &UpdateNodeInstanceField{
				LoopCompletedCount: &completedCount,
				LoopFailedCount:    &failedCount,
			},
			LimitMax: 1,
		}); err != nil {
			return errors.WithMessagef(err, "settleGroup update progress failed, nodeID: %s", nc.ID)
		}
	}

	// 单个子节点的终止失败立刻决定组的命运,除非允许部分成功
	if failedCount > 0 && !nc.AllowPartialSuccess {
		return s.failGroup(ctx, instance, nc, parent, progress)
	}

	if activeCount > 0 {
		return nil
	}
	if created < nc.FanOutCount {
		// loop: 当前批次全部终止,创建下一批
		next := buildGroupChildren(instance.ID, nc, created, nc.BatchSize)
		if err := s.repo.CreateNodeInstances(ctx, next); err != nil {
			return errors.WithMessagef(err, "settleGroup create next batch failed, nodeID: %s", nc.ID)
		}
		if created+int64(len(next)) >= nc.FanOutCount {
			s.markGroupPhase(ctx, parent, LoopPhaseExecuting)
		}
		for _, child := range next {
			if err := s.dispatcher.DispatchNode(ctx, &NodeTask{WorkflowInstanceID: instance.ID, NodeInstanceID: child.ID}); err != nil {
				return errors.WithMessagef(err, "settleGroup dispatch next batch failed, nodeID: %s", nc.ID)
			}
		}
		return nil
	}

	// 全部子节点终止,组完成
	completedStatus := NodeInstanceStatusCompleted
	phase := LoopPhaseCompleted
	rows, err := s.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
		Where: &UpdateNodeInstanceWhere{
			IDIn:     []int64{parent.ID},
			StatusIn: []string{NodeInstanceStatusRunning},
		},
		Fields: &UpdateNodeInstanceField{
			Status:    &completedStatus,
			LoopPhase: &phase,
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "settleGroup complete failed, nodeID: %s", nc.ID)
	}
	if rows > 0 {
		parent.Status = NodeInstanceStatusCompleted
	}
	return nil
}

func (s *WorkflowEngineImpl) failGroup(ctx context.Context, instance *WorkflowInstancePo, nc *NodeConfig, parent *NodeInstancePo, progress *advanceProgress) error {
	failedStatus := NodeInstanceStatusFailed
	errDetails := fmt.Sprintf("group %s failed, child failure without partial success", nc.ID)
	rows, err := s.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
		Where: &UpdateNodeInstanceWhere{
			IDIn:     []int64{parent.ID},
			StatusIn: []string{NodeInstanceStatusRunning},
		},
		Fields: &UpdateNodeInstanceField{
			Status:       &failedStatus,
			ErrorDetails: &errDetails,
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "failGroup failed, nodeID: %s", nc.ID)
	}
	if rows > 0 {
		parent.Status = NodeInstanceStatusFailed
	}
	if !nc.NonCritical {
		progress.criticalFailure = errDetails
	}
	return nil
}

func (s *WorkflowEngineImpl) markGroupPhase(ctx context.Context, parent *NodeInstancePo, phase LoopPhase) {
	if _, err := s.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
		Where:    &UpdateNodeInstanceWhere{IDIn: []int64{parent.ID}},
		Fields:   &UpdateNodeInstanceField{LoopPhase: &phase},
		LimitMax: 1,
	}); err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[WorkflowEngine.markGroupPhase] update failed, nodeInstanceID: %d, err: %v", parent.ID, err))
	}
	parent.LoopPhase = phase
}

func (s *WorkflowEngineImpl) OnNodeResult(ctx context.Context, nodeInstanceID int64, result *NodeResult) error {
	if result == nil {
		return errors.Wrap(ErrWorkflowParamInvalid, "nil NodeResult")
	}
	node, err := s.getNodeInstance(ctx, nodeInstanceID)
	if err != nil {
		return err
	}
	if node == nil {
		return errors.Wrapf(ErrNodeInstanceNotFound, "nodeInstanceID: %d", nodeInstanceID)
	}
	return s.execSync.NonBlockingSynchronized(ctx, execLockKey(node.WorkflowInstanceID), s.cfg.ExecLockTTL, func(ctx context.Context) error {
		return s.applyNodeResult(ctx, node, result)
	})
}

// applyNodeResult 事务性地应用节点结果,调用方必须持有exec同步块
func (s *WorkflowEngineImpl) applyNodeResult(ctx context.Context, node *NodeInstancePo, result *NodeResult) error {
	instance, err := s.getWorkflowInstance(ctx, node.WorkflowInstanceID)
	if err != nil {
		return err
	}
	if instance == nil {
		return errors.Wrapf(ErrWorkflowInstanceNotFound, "workflowInstanceID: %d", node.WorkflowInstanceID)
	}
	if IsOverWorkflowInstanceStatus(instance.Status) {
		// 协作式取消/终止: 在提交前观察到并中止,不修改节点状态
		return nil
	}

	if result.Success {
		if err := s.applyNodeSuccess(ctx, instance, node, result); err != nil {
			return err
		}
		return s.advanceLocked(ctx, instance.ID)
	}
	return s.applyNodeFailure(ctx, instance, node, result)
}

func (s *WorkflowEngineImpl) applyNodeSuccess(ctx context.Context, instance *WorkflowInstancePo, node *NodeInstancePo, result *NodeResult) error {
	output := result.Output
	if output == nil {
		output = NewJSONContext(nil)
	}
	return s.repo.Transaction(ctx, func(ctx context.Context) error {
		// 提交前的乐观校验
		if err := s.execSync.Validate(ctx, execLockKey(instance.ID)); err != nil {
			return errors.Wrapf(ErrLeaseLost, "applyNodeSuccess aborted, nodeInstanceID: %d, err: %v", node.ID, err)
		}
		completedStatus := NodeInstanceStatusCompleted
		rows, err := s.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
			Where: &UpdateNodeInstanceWhere{
				IDIn:     []int64{node.ID},
				StatusIn: []string{NodeInstanceStatusRunning},
			},
			Fields: &UpdateNodeInstanceField{
				Status:     &completedStatus,
				OutputData: output,
			},
			LimitMax: 1,
		})
		if err != nil {
			return errors.WithMessagef(err, "applyNodeSuccess update node failed, nodeInstanceID: %d", node.ID)
		}
		if rows == 0 {
			// 重复投递,结果已经应用过了
			return nil
		}
		// 输出按确定性规则合并进共享上下文: 后完成的节点覆盖相同key
		merged, err := NewJSONContext(instance.ContextData).MergeOverride(output)
		if err != nil {
			return errors.WithMessagef(err, "applyNodeSuccess merge context failed, nodeInstanceID: %d", node.ID)
		}
		// 断点记录最后提交的节点,恢复和监控据此定位推进位置
		checkpoint := NewJSONContextFromMap(map[string]any{
			"last_completed_node_id": node.NodeID,
			"node_instance_id":       node.ID,
			"completed_at":           time.Now().UnixMilli(),
		})
		if _, err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
			Where: &UpdateWorkflowInstanceWhere{IDIn: []int64{instance.ID}},
			Fields: &UpdateWorkflowInstanceField{
				ContextData:    merged,
				CheckpointData: checkpoint.ToBytesWithoutError(),
			},
			LimitMax: 1,
		}); err != nil {
			return errors.WithMessagef(err, "applyNodeSuccess update context failed, workflowInstanceID: %d", instance.ID)
		}
		instance.ContextData = merged.ToBytesWithoutError()
		return nil
	})
}

// applyNodeFailure 失败路径: 还有重试额度进failed_retry延迟重派,
// 否则节点failed,非NonCritical节点连带实例failed
// 失败应用只触碰失败节点自己的行,不影响兄弟节点
func (s *WorkflowEngineImpl) applyNodeFailure(ctx context.Context, instance *WorkflowInstancePo, node *NodeInstancePo, result *NodeResult) error {
	errDetails := result.ErrorMessage
	if node.RetryCount < node.MaxRetries {
		retryStatus := NodeInstanceStatusFailedRetry
		nextRetryCount := node.RetryCount + 1
		rows, err := s.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
			Where: &UpdateNodeInstanceWhere{
				IDIn:     []int64{node.ID},
				StatusIn: []string{NodeInstanceStatusRunning},
			},
			Fields: &UpdateNodeInstanceField{
				Status:       &retryStatus,
				RetryCount:   &nextRetryCount,
				ErrorDetails: &errDetails,
			},
			LimitMax: 1,
		})
		if err != nil {
			return errors.WithMessagef(err, "applyNodeFailure retry update failed, nodeInstanceID: %d", node.ID)
		}
		if rows == 0 {
			return nil
		}
		delay := s.backoff.GetDelay(int(nextRetryCount))
		if err := s.dispatcher.DispatchNodeDelayed(ctx, &NodeTask{WorkflowInstanceID: instance.ID, NodeInstanceID: node.ID}, delay); err != nil {
			return errors.WithMessagef(err, "applyNodeFailure redispatch failed, nodeInstanceID: %d", node.ID)
		}
		return nil
	}

	failedStatus := NodeInstanceStatusFailed
	rows, err := s.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
		Where: &UpdateNodeInstanceWhere{
			IDIn:     []int64{node.ID},
			StatusIn: []string{NodeInstanceStatusRunning},
		},
		Fields: &UpdateNodeInstanceField{
			Status:       &failedStatus,
			ErrorDetails: &errDetails,
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "applyNodeFailure update failed, nodeInstanceID: %d", node.ID)
	}
	if rows == 0 {
		return nil
	}

	if node.ParentNodeID != "" {
		// 组子节点的失败由settleGroup统一结算
		return s.advanceLocked(ctx, instance.ID)
	}
	_, nodeConfig, err := s.resolveNodeConfig(ctx, instance, node.NodeID)
	if err != nil {
		return err
	}
	if nodeConfig.NonCritical {
		// 非关键节点失败不拖垮实例,继续推进其余分支
		return s.advanceLocked(ctx, instance.ID)
	}
	errMsg := errors.Wrapf(ErrNodeExecution, "node %s failed: %s", node.NodeID, errDetails).Error()
	return s.finalizeInstance(ctx, instance, WorkflowInstanceStatusFailed, errMsg)
}

// finalizeInstance 带守卫地进入终止状态并释放相关租约
// 子实例终止时把结果回填给父实例的subprocess节点
func (s *WorkflowEngineImpl) finalizeInstance(ctx context.Context, instance *WorkflowInstancePo, status WorkflowInstanceStatus, errMsg string) error {
	rows, err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn:     []int64{instance.ID},
			StatusIn: activeWorkflowInstanceStatuses,
		},
		Fields: &UpdateWorkflowInstanceField{
			Status:       &status,
			ErrorMessage: &errMsg,
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "finalizeInstance failed, workflowInstanceID: %d", instance.ID)
	}
	if rows == 0 {
		// 已经被并发地终止了
		return nil
	}
	instance.Status = status
	instance.ErrorMessage = errMsg
	s.releaseInstanceLeases(ctx, instance)

	if instance.ParentNodeInstanceID > 0 {
		s.propagateSubprocessResult(instance, status, errMsg)
	}
	return nil
}

func (s *WorkflowEngineImpl) releaseInstanceLeases(ctx context.Context, instance *WorkflowInstancePo) {
	keys := []string{workflowLeaseKey(instance.ID)}
	if instance.MutexKey != "" {
		keys = append(keys, mutexLeaseKey(instance.MutexKey))
	}
	for _, key := range keys {
		lease, err := s.lockMgr.Get(ctx, key)
		if err != nil || lease == nil {
			continue
		}
		if err := s.lockMgr.Release(context.Background(), lease); err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("[WorkflowEngine.releaseInstanceLeases] release failed, key: %s, err: %v", key, err))
		}
	}
}

// propagateSubprocessResult 子实例结束后回填父节点结果
// 父实例可能正在被推进,锁竞争时等待重提,最终兜底靠恢复服务重查子实例状态
func (s *WorkflowEngineImpl) propagateSubprocessResult(instance *WorkflowInstancePo, status WorkflowInstanceStatus, errMsg string) {
	result := &NodeResult{
		Success:      status == WorkflowInstanceStatusCompleted,
		Output:       NewJSONContext(instance.ContextData),
		ErrorMessage: errMsg,
	}
	go func() {
		if err := s.submitNodeResult(context.Background(), instance.ParentNodeInstanceID, result); err != nil {
			slog.Error(fmt.Sprintf("[WorkflowEngine.propagateSubprocessResult] failed, parentNodeInstanceID: %d, err: %v", instance.ParentNodeInstanceID, err))
		}
	}()
}

// launchSubprocess subprocess节点执行: 提交并推进子实例,父节点保持running
// 幂等: 子实例已经存在就不会创建第二个,已经终止就直接回填结果
func (s *WorkflowEngineImpl) launchSubprocess(ctx context.Context, instance *WorkflowInstancePo, node *NodeInstancePo) error {
	existing, err := s.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		ParentNodeInstanceID: &node.ID,
		Page:                 &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return errors.WithMessagef(err, "launchSubprocess query child failed, nodeInstanceID: %d", node.ID)
	}
	if len(existing) > 0 {
		child := existing[0]
		if IsOverWorkflowInstanceStatus(child.Status) {
			return s.submitNodeResult(ctx, node.ID, &NodeResult{
				Success:      child.Status == WorkflowInstanceStatusCompleted,
				Output:       NewJSONContext(child.ContextData),
				ErrorMessage: child.ErrorMessage,
			})
		}
		// 子实例还在跑,推一把
		if err := s.Advance(ctx, child.ID); err != nil && !errors.Is(errors.Cause(err), lock.LockFailedError) {
			return err
		}
		return nil
	}

	_, nodeConfig, err := s.resolveNodeConfig(ctx, instance, node.NodeID)
	if err != nil {
		return err
	}
	subDefinition, err := s.latestDefinition(ctx, nodeConfig.SubWorkflow)
	if err != nil {
		return err
	}
	if subDefinition == nil {
		return s.submitNodeResult(ctx, node.ID, &NodeResult{
			Success:      false,
			ErrorMessage: errors.Wrapf(ErrWorkflowDefinitionNotFound, "sub workflow: %s", nodeConfig.SubWorkflow).Error(),
		})
	}
	child, err := s.repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{
		DefinitionID:         subDefinition.ID,
		Status:               WorkflowInstanceStatusPending,
		InputData:            instance.ContextData,
		ContextData:          instance.ContextData,
		ParentNodeInstanceID: node.ID,
	})
	if err != nil {
		return errors.WithMessagef(err, "launchSubprocess create child failed, nodeInstanceID: %d", node.ID)
	}
	if err := s.Advance(ctx, child.ID); err != nil && !errors.Is(errors.Cause(err), lock.LockFailedError) {
		return err
	}
	return nil
}

func (s *WorkflowEngineImpl) GetStatus(ctx context.Context, workflowInstanceID int64) (*WorkflowStatusSnapshot, error) {
	instance, err := s.getWorkflowInstance(ctx, workflowInstanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, errors.Wrapf(ErrWorkflowInstanceNotFound, "workflowInstanceID: %d", workflowInstanceID)
	}
	nodes, err := s.listNodeInstances(ctx, workflowInstanceID)
	if err != nil {
		return nil, err
	}
	counts := make(map[NodeInstanceStatus]int64)
	for _, node := range nodes {
		counts[node.Status]++
	}
	return &WorkflowStatusSnapshot{
		Instance:   instance,
		NodeCounts: counts,
		Nodes:      nodes,
	}, nil
}

func (s *WorkflowEngineImpl) QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error) {
	return s.repo.QueryWorkflowInstance(ctx, params)
}

func (s *WorkflowEngineImpl) CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error) {
	return s.repo.CountWorkflowInstance(ctx, params)
}

func (s *WorkflowEngineImpl) CancelWorkflowInstance(ctx context.Context, workflowInstanceID int64) error {
	instance, err := s.getWorkflowInstance(ctx, workflowInstanceID)
	if err != nil {
		return err
	}
	if instance == nil {
		return errors.Wrapf(ErrWorkflowInstanceNotFound, "workflowInstanceID: %d", workflowInstanceID)
	}
	if IsOverWorkflowInstanceStatus(instance.Status) {
		// 终止状态是最终的,取消一个已经结束的实例是no-op
		return nil
	}
	cancelled := WorkflowInstanceStatusCancelled
	rows, err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn:     []int64{workflowInstanceID},
			StatusIn: activeWorkflowInstanceStatuses,
		},
		Fields:   &UpdateWorkflowInstanceField{Status: &cancelled},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "CancelWorkflowInstance failed, workflowInstanceID: %d", workflowInstanceID)
	}
	if rows > 0 {
		instance.Status = cancelled
		s.releaseInstanceLeases(ctx, instance)
	}
	return nil
}

func (s *WorkflowEngineImpl) getWorkflowInstance(ctx context.Context, workflowInstanceID int64) (*WorkflowInstancePo, error) {
	pos, err := s.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		WorkflowInstanceID: &workflowInstanceID,
		Page:               &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "getWorkflowInstance failed, workflowInstanceID: %d", workflowInstanceID)
	}
	if len(pos) == 0 {
		// 不存在不是错误,由调用方决定业务含义
		return nil, nil
	}
	return pos[0], nil
}

func (s *WorkflowEngineImpl) getNodeInstance(ctx context.Context, nodeInstanceID int64) (*NodeInstancePo, error) {
	pos, err := s.repo.QueryNodeInstance(ctx, &QueryNodeInstanceParams{
		NodeInstanceID: &nodeInstanceID,
		Page:           &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "getNodeInstance failed, nodeInstanceID: %d", nodeInstanceID)
	}
	if len(pos) == 0 {
		return nil, nil
	}
	return pos[0], nil
}

func (s *WorkflowEngineImpl) listNodeInstances(ctx context.Context, workflowInstanceID int64) ([]*NodeInstancePo, error) {
	noLimit := true
	orderAsc := true
	nodes, err := s.repo.QueryNodeInstance(ctx, &QueryNodeInstanceParams{
		WorkflowInstanceID: &workflowInstanceID,
		OrderbyIDAsc:       &orderAsc,
		Page:               &Pager{IsNoLimit: &noLimit},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "listNodeInstances failed, workflowInstanceID: %d", workflowInstanceID)
	}
	return nodes, nil
}

func (s *WorkflowEngineImpl) resolveDefinitionConfig(ctx context.Context, definitionID int64) (*DefinitionConfig, error) {
	pos, err := s.repo.QueryWorkflowDefinition(ctx, &QueryWorkflowDefinitionParams{
		DefinitionID: &definitionID,
		Page:         &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "resolveDefinitionConfig failed, definitionID: %d", definitionID)
	}
	if len(pos) == 0 {
		return nil, errors.Wrapf(ErrWorkflowDefinitionNotFound, "definitionID: %d", definitionID)
	}
	return ParseDefinitionConfig(pos[0].Definition)
}

func (s *WorkflowEngineImpl) resolveNodeConfig(ctx context.Context, instance *WorkflowInstancePo, nodeID string) (*DefinitionConfig, *NodeConfig, error) {
	config, err := s.resolveDefinitionConfig(ctx, instance.DefinitionID)
	if err != nil {
		return nil, nil, err
	}
	for _, nc := range config.Nodes {
		if nc.ID == nodeID {
			return config, nc, nil
		}
	}
	return nil, nil, errors.Wrapf(ErrNodeInstanceNotFound, "node %s not in definition %s", nodeID, config.Name)
}
