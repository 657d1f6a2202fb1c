package workflow

import (
	"context"
)

// WorkflowRepo 持久存储接口: CRUD + 条件查询 + 原子状态转移
// Update带StatusIn守卫并返回生效行数,等价于 UPDATE ... WHERE status = expected
type WorkflowRepo interface {
	CreateWorkflowDefinition(ctx context.Context, definition *WorkflowDefinitionPo) (*WorkflowDefinitionPo, error)
	QueryWorkflowDefinition(ctx context.Context, param *QueryWorkflowDefinitionParams) ([]*WorkflowDefinitionPo, error)

	CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error)
	QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error)
	CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error)
	UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) (int64, error)

	CreateNodeInstance(ctx context.Context, nodeInstance *NodeInstancePo) (*NodeInstancePo, error)
	CreateNodeInstances(ctx context.Context, nodeInstances []*NodeInstancePo) error
	QueryNodeInstance(ctx context.Context, param *QueryNodeInstanceParams) ([]*NodeInstancePo, error)
	CountNodeInstance(ctx context.Context, param *QueryNodeInstanceParams) (int64, error)
	UpdateNodeInstance(ctx context.Context, param *UpdateNodeInstanceParams) (int64, error)

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
