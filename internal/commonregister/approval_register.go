package commonregister

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/uroborus2s/obsync-root-sub016/workflow"
)

// RegisterApprovalWorkflow 部署一个审批工作流并注册它的执行器
// 工作流结构：提交 -> 审核 -> 批准
func RegisterApprovalWorkflow(ctx context.Context, engine *workflow.WorkflowEngineImpl, executors *workflow.ExecutorSet) error {
	definitionJson := []byte(`{
		"name": "approval_workflow",
		"nodes": [
			{
				"id": "submit",
				"name": "提交申请",
				"type": "simple",
				"executor": "approval.submit"
			},
			{
				"id": "review",
				"name": "审核",
				"type": "simple",
				"executor": "approval.review",
				"depends_on": ["submit"],
				"max_retries": 2
			},
			{
				"id": "approve",
				"name": "批准",
				"type": "simple",
				"executor": "approval.approve",
				"depends_on": ["review"]
			}
		]
	}`)

	config, err := workflow.ParseDefinitionConfig(definitionJson)
	if err != nil {
		return errors.Wrap(err, "parse approval definition failed")
	}
	if _, err := engine.CreateWorkflowDefinition(ctx, config); err != nil {
		return errors.Wrap(err, "deploy approval definition failed")
	}

	// 提交申请节点
	err = executors.Register("approval.submit", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			fmt.Println("  [提交] 执行中...")
			out := workflow.NewJSONContext(nil)
			out.Set([]string{"submit_time"}, time.Now().Format(time.RFC3339))
			out.Set([]string{"status"}, "submitted")
			fmt.Println("  [提交] 完成 ✓")
			return out, nil
		}))
	if err != nil {
		return errors.Wrap(err, "register submit executor failed")
	}

	// 审核节点，读取上游通过共享上下文传过来的提交时间
	err = executors.Register("approval.review", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			fmt.Println("  [审核] 执行中...")
			submitTime, ok := execution.WorkflowContext.GetString("submit_time")
			if !ok {
				return nil, errors.New("submit_time not found")
			}

			out := workflow.NewJSONContext(nil)
			out.Set([]string{"reviewed_submit_time"}, submitTime)
			out.Set([]string{"review_time"}, time.Now().Format(time.RFC3339))
			out.Set([]string{"reviewer"}, "manager")
			fmt.Println("  [审核] 完成 ✓")
			return out, nil
		}))
	if err != nil {
		return errors.Wrap(err, "register review executor failed")
	}

	// 批准节点
	err = executors.Register("approval.approve", workflow.NewFuncExecutor(
		func(ctx context.Context, execution *workflow.NodeExecution) (*workflow.JSONContext, error) {
			fmt.Println("  [批准] 执行中...")
			out := workflow.NewJSONContext(nil)
			out.Set([]string{"approve_time"}, time.Now().Format(time.RFC3339))
			out.Set([]string{"final_status"}, "approved")
			fmt.Println("  [批准] 完成 ✓")
			return out, nil
		}))
	if err != nil {
		return errors.Wrap(err, "register approve executor failed")
	}
	return nil
}
