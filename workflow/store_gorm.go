package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type WorkflowDefinitionPo struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name    string `gorm:"column:name;uniqueIndex:uk_name_version" json:"name"`
	Version int64  `gorm:"column:version;uniqueIndex:uk_name_version" json:"version"`
	// DAG定义,DefinitionConfig的JSON,部署后永远不修改
	Definition     []byte `gorm:"column:definition" json:"definition"`
	TimeoutSeconds int64  `gorm:"column:timeout_seconds" json:"timeout_seconds"`
	MaxRetries     int64  `gorm:"column:max_retries" json:"max_retries"`
	CreatedAt      int64  `gorm:"column:created_at" json:"created_at"`
}

func (WorkflowDefinitionPo) TableName() string {
	return "workflow_definition"
}

type WorkflowInstancePo struct {
	ID           int64                  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DefinitionID int64                  `gorm:"column:definition_id" json:"definition_id"`
	Status       WorkflowInstanceStatus `gorm:"column:status;index" json:"status"`
	// 可选的去重key,映射到非终态实例时拒绝重复提交
	BusinessKey string `gorm:"column:business_key;index" json:"business_key"`
	// 可选的跨实例互斥key,同一时间至多一个running实例持有
	MutexKey    string `gorm:"column:mutex_key" json:"mutex_key"`
	InputData   []byte `gorm:"column:input_data" json:"input_data"`
	ContextData []byte `gorm:"column:context_data" json:"context_data"` // 所有节点可见的共享上下文
	// 最近一次派发的节点id,观测用
	CurrentNodeID  string `gorm:"column:current_node_id" json:"current_node_id"`
	CheckpointData []byte `gorm:"column:checkpoint_data" json:"checkpoint_data"`
	RetryCount     int64  `gorm:"column:retry_count" json:"retry_count"`
	ErrorMessage   string `gorm:"column:error_message" json:"error_message"`
	// subprocess子实例回填结果的目标节点实例,0表示顶层实例
	ParentNodeInstanceID int64 `gorm:"column:parent_node_instance_id" json:"parent_node_instance_id"`
	StartedAt            int64 `gorm:"column:started_at" json:"started_at"` // 毫秒
	CreatedAt            int64 `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            int64 `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

type NodeInstancePo struct {
	ID                 int64              `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	WorkflowInstanceID int64              `gorm:"column:workflow_instance_id;index" json:"workflow_instance_id"`
	NodeID             string             `gorm:"column:node_id" json:"node_id"`
	NodeType           NodeType           `gorm:"column:node_type" json:"node_type"`
	Status             NodeInstanceStatus `gorm:"column:status;index" json:"status"`
	DependsOn          []byte             `gorm:"column:depends_on" json:"depends_on"` // 节点id数组的JSON
	// fan-out子节点归属: 父节点的配置id和组内序号
	ParentNodeID    string `gorm:"column:parent_node_id" json:"parent_node_id"`
	ParallelGroupID string `gorm:"column:parallel_group_id" json:"parallel_group_id"`
	ParallelIndex   int64  `gorm:"column:parallel_index" json:"parallel_index"`
	// 循环/并行组进度,只在组父节点上维护
	LoopTotalCount     int64     `gorm:"column:loop_total_count" json:"loop_total_count"`
	LoopCompletedCount int64     `gorm:"column:loop_completed_count" json:"loop_completed_count"`
	LoopFailedCount    int64     `gorm:"column:loop_failed_count" json:"loop_failed_count"`
	LoopPhase          LoopPhase `gorm:"column:loop_phase" json:"loop_phase"`
	RetryCount         int64     `gorm:"column:retry_count" json:"retry_count"`
	MaxRetries         int64     `gorm:"column:max_retries" json:"max_retries"`
	InputData          []byte    `gorm:"column:input_data" json:"input_data"`
	OutputData         []byte    `gorm:"column:output_data" json:"output_data"`
	ErrorDetails       string    `gorm:"column:error_details" json:"error_details"`
	CreatedAt          int64     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          int64     `gorm:"column:updated_at" json:"updated_at"`
}

func (NodeInstancePo) TableName() string {
	return "node_instance"
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryWorkflowDefinitionParams struct {
	DefinitionID       *int64  `json:"definition_id"`
	Name               *string `json:"name"`
	Version            *int64  `json:"version"`
	OrderbyVersionDesc *bool   `json:"orderby_version_desc"`
	Page               *Pager  `json:"page"`
}

type QueryWorkflowInstanceParams struct {
	WorkflowInstanceID   *int64   `json:"workflow_instance_id"`
	DefinitionID         *int64   `json:"definition_id"`
	BusinessKey          *string  `json:"business_key"`
	MutexKey             *string  `json:"mutex_key"`
	StatusIn             []string `json:"status_in"`
	ParentNodeInstanceID *int64   `json:"parent_node_instance_id"`
	IDGreaterThan        *int64   `json:"id_greater_than"`
	OrderbyIDAsc         *bool    `json:"orderby_id_asc"`
	Page                 *Pager   `json:"page"`
}

type QueryNodeInstanceParams struct {
	NodeInstanceID     *int64   `json:"node_instance_id"`
	WorkflowInstanceID *int64   `json:"workflow_instance_id"`
	NodeID             *string  `json:"node_id"`
	ParentNodeID       *string  `json:"parent_node_id"`
	StatusIn           []string `json:"status_in"`
	IDGreaterThan      *int64   `json:"id_greater_than"`
	OrderbyIDAsc       *bool    `json:"orderby_id_asc"`
	Page               *Pager   `json:"page"`
}

type UpdateWorkflowInstanceParams struct {
	Where    *UpdateWorkflowInstanceWhere `json:"where" validate:"required"`
	Fields   *UpdateWorkflowInstanceField `json:"field" validate:"required"`
	LimitMax int                          `json:"limit_max" validate:"required"`
}

// UpdateWorkflowInstanceWhere StatusIn是状态机守卫:
// 带上它的更新等价于 UPDATE ... WHERE status IN expected,并发转移只有一个会生效
type UpdateWorkflowInstanceWhere struct {
	IDIn     []int64  `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateWorkflowInstanceField struct {
	Status         *string      `json:"status"`
	ContextData    *JSONContext `json:"context_data"`
	CurrentNodeID  *string      `json:"current_node_id"`
	CheckpointData []byte       `json:"checkpoint_data"`
	RetryCount     *int64       `json:"retry_count"`
	ErrorMessage   *string      `json:"error_message"`
	StartedAt      *int64       `json:"started_at"`
}

type UpdateNodeInstanceParams struct {
	Where    *UpdateNodeInstanceWhere `json:"where" validate:"required"`
	Fields   *UpdateNodeInstanceField `json:"field" validate:"required"`
	LimitMax int                      `json:"limit_max" validate:"required"`
}

type UpdateNodeInstanceWhere struct {
	IDIn     []int64  `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateNodeInstanceField struct {
	Status             *string      `json:"status"`
	RetryCount         *int64       `json:"retry_count"`
	OutputData         *JSONContext `json:"output_data"`
	ErrorDetails       *string      `json:"error_details"`
	LoopCompletedCount *int64       `json:"loop_completed_count"`
	LoopFailedCount    *int64       `json:"loop_failed_count"`
	LoopPhase          *string      `json:"loop_phase"`
}

type workflowRepo struct {
	db *gorm.DB
}

func NewWorkflowRepo(db *gorm.DB) WorkflowRepo {
	return &workflowRepo{
		db: db,
	}
}

func (r *workflowRepo) CreateWorkflowDefinition(ctx context.Context, definition *WorkflowDefinitionPo) (*WorkflowDefinitionPo, error) {
	if definition == nil {
		return nil, fmt.Errorf("nil WorkflowDefinitionPo")
	}
	definition.CreatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(definition).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowDefinition failed")
	}
	return definition, nil
}

func buildQueryWorkflowDefinitionParams(db *gorm.DB, param *QueryWorkflowDefinitionParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowDefinitionParams")
	}
	if param.DefinitionID != nil {
		db = db.Where("id = ?", param.DefinitionID)
	}
	if param.Name != nil {
		db = db.Where("name = ?", param.Name)
	}
	if param.Version != nil {
		db = db.Where("version = ?", param.Version)
	}
	if param.OrderbyVersionDesc != nil {
		if *param.OrderbyVersionDesc {
			db = db.Order("version desc")
		} else {
			db = db.Order("version asc")
		}
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return db, nil
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *workflowRepo) QueryWorkflowDefinition(ctx context.Context, param *QueryWorkflowDefinitionParams) ([]*WorkflowDefinitionPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryWorkflowDefinitionParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowDefinitionPo{})
	db, err := buildQueryWorkflowDefinitionParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowDefinitionParams failed")
	}
	pos := make([]*WorkflowDefinitionPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowDefinition failed")
	}
	return pos, nil
}

func (r *workflowRepo) CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error) {
	if workflowInstance == nil {
		return nil, fmt.Errorf("nil WorkflowInstancePo")
	}
	workflowInstance.CreatedAt = time.Now().Unix()
	workflowInstance.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(workflowInstance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowInstance failed")
	}
	return workflowInstance, nil
}

func (r *workflowRepo) CreateNodeInstance(ctx context.Context, nodeInstance *NodeInstancePo) (*NodeInstancePo, error) {
	if nodeInstance == nil {
		return nil, errors.New("nil NodeInstancePo")
	}
	nodeInstance.CreatedAt = time.Now().Unix()
	nodeInstance.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(nodeInstance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateNodeInstance failed")
	}
	return nodeInstance, nil
}

func (r *workflowRepo) CreateNodeInstances(ctx context.Context, nodeInstances []*NodeInstancePo) error {
	if len(nodeInstances) == 0 {
		return nil
	}
	now := time.Now().Unix()
	for _, nodeInstance := range nodeInstances {
		nodeInstance.CreatedAt = now
		nodeInstance.UpdatedAt = now
	}
	if err := r.GetDBWithContext(ctx).Create(nodeInstances).Error; err != nil {
		return errors.WithMessage(err, "CreateNodeInstances failed")
	}
	return nil
}

func buildQueryWorkflowInstanceParams(db *gorm.DB, isCount bool, param *QueryWorkflowInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowInstanceParams")
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("id = ?", param.WorkflowInstanceID)
	}
	if param.DefinitionID != nil {
		db = db.Where("definition_id = ?", param.DefinitionID)
	}
	if param.BusinessKey != nil {
		db = db.Where("business_key = ?", param.BusinessKey)
	}
	if param.MutexKey != nil {
		db = db.Where("mutex_key = ?", param.MutexKey)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.ParentNodeInstanceID != nil {
		db = db.Where("parent_node_instance_id = ?", param.ParentNodeInstanceID)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", param.IDGreaterThan)
	}
	if param.OrderbyIDAsc != nil && !isCount {
		// 排序处理
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			// 不分页显示指定了true
			return db, nil
		}
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 10
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func (r *workflowRepo) QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowInstance failed")
	}
	return pos, nil
}

func (r *workflowRepo) CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil QueryWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountWorkflowInstance failed")
	}
	return count, nil
}

func buildQueryNodeInstanceParams(db *gorm.DB, isCount bool, param *QueryNodeInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryNodeInstanceParams")
	}
	if param.NodeInstanceID != nil {
		db = db.Where("id = ?", param.NodeInstanceID)
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("workflow_instance_id = ?", param.WorkflowInstanceID)
	}
	if param.NodeID != nil {
		db = db.Where("node_id = ?", param.NodeID)
	}
	if param.ParentNodeID != nil {
		db = db.Where("parent_node_id = ?", param.ParentNodeID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", param.IDGreaterThan)
	}
	if param.OrderbyIDAsc != nil && !isCount {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			return db, nil
		}
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 10
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func (r *workflowRepo) QueryNodeInstance(ctx context.Context, param *QueryNodeInstanceParams) ([]*NodeInstancePo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryNodeInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&NodeInstancePo{})
	db, err := buildQueryNodeInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryNodeInstanceParams failed")
	}
	pos := make([]*NodeInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryNodeInstance failed")
	}
	return pos, nil
}

func (r *workflowRepo) CountNodeInstance(ctx context.Context, param *QueryNodeInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil QueryNodeInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&NodeInstancePo{})
	db, err := buildQueryNodeInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryNodeInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountNodeInstance failed")
	}
	return count, nil
}

func buildUpdateWorkflowInstanceParams(db *gorm.DB, param *UpdateWorkflowInstanceParams) (*gorm.DB, error) {
	isHasWhere := false
	if param == nil {
		return nil, errors.New("nil UpdateWorkflowInstanceParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return db, errors.New("update workflow instance need where condition, please check")
	}
	return db, nil
}

func buildUpdateWorkflowInstanceFields(fields *UpdateWorkflowInstanceField) (map[string]any, error) {
	updateFields := make(map[string]interface{})
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.ContextData != nil {
		jsonData, err := fields.ContextData.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.ContextData failed")
		}
		updateFields["context_data"] = jsonData
	}
	if fields.CurrentNodeID != nil {
		updateFields["current_node_id"] = *fields.CurrentNodeID
	}
	if fields.CheckpointData != nil {
		updateFields["checkpoint_data"] = fields.CheckpointData
	}
	if fields.RetryCount != nil {
		updateFields["retry_count"] = *fields.RetryCount
	}
	if fields.ErrorMessage != nil {
		updateFields["error_message"] = *fields.ErrorMessage
	}
	if fields.StartedAt != nil {
		updateFields["started_at"] = *fields.StartedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

// UpdateWorkflowInstance 返回生效行数,带StatusIn守卫的转移要用它判断竞争是否成功
func (r *workflowRepo) UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil UpdateWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildUpdateWorkflowInstanceParams(db, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateWorkflowInstanceParams failed")
	}
	updateFields, err := buildUpdateWorkflowInstanceFields(param.Fields)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateWorkflowInstanceFields failed")
	}
	result := db.Updates(updateFields).Limit(param.LimitMax)
	if result.Error != nil {
		return 0, errors.WithMessage(result.Error, "UpdateWorkflowInstance failed")
	}
	return result.RowsAffected, nil
}

func buildUpdateNodeInstanceParams(db *gorm.DB, param *UpdateNodeInstanceParams) (*gorm.DB, error) {
	isHasWhere := false
	if param == nil {
		return nil, errors.New("nil UpdateNodeInstanceParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return db, errors.New("update node instance need where condition, please check")
	}
	return db, nil
}

func buildUpdateNodeInstanceFields(fields *UpdateNodeInstanceField) (map[string]interface{}, error) {
	updateFields := make(map[string]interface{})
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.RetryCount != nil {
		updateFields["retry_count"] = *fields.RetryCount
	}
	if fields.OutputData != nil {
		jsonData, err := fields.OutputData.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.OutputData failed")
		}
		updateFields["output_data"] = jsonData
	}
	if fields.ErrorDetails != nil {
		updateFields["error_details"] = *fields.ErrorDetails
	}
	if fields.LoopCompletedCount != nil {
		updateFields["loop_completed_count"] = *fields.LoopCompletedCount
	}
	if fields.LoopFailedCount != nil {
		updateFields["loop_failed_count"] = *fields.LoopFailedCount
	}
	if fields.LoopPhase != nil {
		updateFields["loop_phase"] = *fields.LoopPhase
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}

	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *workflowRepo) UpdateNodeInstance(ctx context.Context, param *UpdateNodeInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil UpdateNodeInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&NodeInstancePo{})
	db, err := buildUpdateNodeInstanceParams(db, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateNodeInstanceParams failed")
	}
	updateFields, err := buildUpdateNodeInstanceFields(param.Fields)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateNodeInstanceFields failed")
	}
	result := db.Updates(updateFields).Limit(param.LimitMax)
	if result.Error != nil {
		return 0, errors.WithMessage(result.Error, "UpdateNodeInstance failed")
	}
	return result.RowsAffected, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *workflowRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctxTX := ctx.Value(transactionContextKey)
	var err error
	if ctxTX == nil {
		tx := r.db.Begin()
		defer func() {
			if err != nil {
				tx.Rollback()
			} else {
				tx.Commit()
			}
		}()
		newCtx := context.WithValue(ctx, transactionContextKey, tx)
		err = fn(newCtx)
		return err
	}
	return fn(ctx)
}
