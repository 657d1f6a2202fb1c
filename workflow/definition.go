package workflow

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New()

// DefinitionConfig 工作流定义,不可变模板
// 部署时创建,之后永远不修改,按(name, version)做版本管理
type DefinitionConfig struct {
	Name    string `json:"name" validate:"required"`
	Version int64  `json:"version"`
	// 工作流级别超时,0表示不限制
	TimeoutSeconds int64 `json:"timeout_seconds"`
	// 实例级重试上限,恢复服务用它决定interrupted实例还能不能重新拉起
	MaxRetries int64         `json:"max_retries"`
	Nodes      []*NodeConfig `json:"nodes" validate:"required,min=1,dive,required"`
}

// NodeConfig DAG节点定义
type NodeConfig struct {
	ID       string   `json:"id" validate:"required"`
	Name     string   `json:"name"`
	Type     NodeType `json:"type" validate:"required,oneof=simple parallel loop subprocess"`
	Executor string   `json:"executor"`
	// 依赖的节点id集合,全部completed后本节点才可以进入running
	DependsOn  []string `json:"depends_on"`
	MaxRetries int64    `json:"max_retries"`
	// 非关键节点: 终止失败不会拖垮整个工作流实例
	NonCritical bool `json:"non_critical"`
	// 并行/循环组是否允许部分子节点失败
	AllowPartialSuccess bool `json:"allow_partial_success"`
	// parallel/loop的fan-out子节点数量
	FanOutCount int64 `json:"fan_out_count"`
	// loop类型每个批次创建的子节点数量,有界批次避免无界fan-out
	BatchSize int64 `json:"batch_size"`
	// subprocess类型引用的子工作流定义名
	SubWorkflow string `json:"sub_workflow"`
	// 节点执行超时,0使用engine默认值
	TimeoutSeconds int64 `json:"timeout_seconds"`
}

// ParseDefinitionConfig 解析并校验定义
func ParseDefinitionConfig(b []byte) (*DefinitionConfig, error) {
	config := &DefinitionConfig{}
	if err := json.Unmarshal(b, config); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "ParseDefinitionConfig unmarshal failed, err: %v", err)
	}
	if err := ValidateDefinitionConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ValidateDefinitionConfig 部署时的完整性检查:
// 节点id唯一、依赖存在、类型参数齐全、并且整个图没有环
func ValidateDefinitionConfig(config *DefinitionConfig) error {
	if config == nil {
		return errors.Wrap(ErrWorkflowParamInvalid, "nil DefinitionConfig")
	}
	if err := validatorUtil.Struct(config); err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "ValidateDefinitionConfig failed, name: %s, err: %v", config.Name, err)
	}
	nodeByID := make(map[string]*NodeConfig, len(config.Nodes))
	for _, node := range config.Nodes {
		if _, ok := nodeByID[node.ID]; ok {
			return errors.Wrapf(ErrWorkflowParamInvalid, "duplicate node id: %s", node.ID)
		}
		nodeByID[node.ID] = node
	}
	for _, node := range config.Nodes {
		for _, dep := range node.DependsOn {
			if _, ok := nodeByID[dep]; !ok {
				return errors.Wrapf(ErrWorkflowParamInvalid, "node %s depends on unknown node %s", node.ID, dep)
			}
			if dep == node.ID {
				return errors.Wrapf(ErrWorkflowParamInvalid, "node %s depends on itself", node.ID)
			}
		}
		switch node.Type {
		case NodeTypeSimple:
			if node.Executor == "" {
				return errors.Wrapf(ErrWorkflowParamInvalid, "simple node %s needs an executor", node.ID)
			}
		case NodeTypeParallel:
			if node.Executor == "" || node.FanOutCount <= 0 {
				return errors.Wrapf(ErrWorkflowParamInvalid, "parallel node %s needs executor and fan_out_count > 0", node.ID)
			}
		case NodeTypeLoop:
			if node.Executor == "" || node.FanOutCount <= 0 || node.BatchSize <= 0 {
				return errors.Wrapf(ErrWorkflowParamInvalid, "loop node %s needs executor, fan_out_count > 0 and batch_size > 0", node.ID)
			}
		case NodeTypeSubprocess:
			if node.SubWorkflow == "" {
				return errors.Wrapf(ErrWorkflowParamInvalid, "subprocess node %s needs sub_workflow", node.ID)
			}
		}
	}
	if err := checkDefinitionIsAcyclic(config, nodeByID); err != nil {
		return err
	}
	return nil
}

// checkDefinitionIsAcyclic DFS三色标记检测环
func checkDefinitionIsAcyclic(config *DefinitionConfig, nodeByID map[string]*NodeConfig) error {
	const (
		white = 0 // 没访问过
		gray  = 1 // 在当前访问栈上
		black = 2 // 子树已经检查完
	)
	colors := make(map[string]int, len(config.Nodes))
	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case gray:
			return errors.Wrapf(ErrWorkflowParamInvalid, "definition %s has a dependency cycle through node %s", config.Name, id)
		case black:
			return nil
		}
		colors[id] = gray
		for _, dep := range nodeByID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = black
		return nil
	}
	for _, node := range config.Nodes {
		if err := visit(node.ID); err != nil {
			return err
		}
	}
	return nil
}
