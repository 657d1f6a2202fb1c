package workflow

import (
	"encoding/json"

	"dario.cat/mergo"
	"github.com/pkg/errors"
)

// JSONContext 封装 JSON 上下文，提供便捷的读写方法
// 节点输入输出和工作流共享上下文都用它承载,engine的状态机核心对payload保持不透明
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从字节创建 JSON 上下文
func NewJSONContext(b []byte) *JSONContext {
	ctx := &JSONContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		json.Unmarshal(b, &ctx.data)
	}
	return ctx
}

// NewJSONContextFromMap 从 map 创建上下文
func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get 获取值，支持嵌套路径
// 例如: Get("user", "name") 获取 user.name
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}

	current := any(c.data)
	for _, key := range keys {
		if currentMap, ok := current.(map[string]any); ok {
			if val, exists := currentMap[key]; exists {
				current = val
			} else {
				return nil, false
			}
		} else {
			return nil, false
		}
	}
	return current, true
}

// GetString 获取字符串值
func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 获取 int64 值
func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}

	// 尝试多种数字类型, json反序列化出来的数字是float64
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetBool 获取布尔值
func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 设置值，支持嵌套路径
// 例如: Set([]string{"user", "name"}, "张三") 设置 user.name = "张三"
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}

	// 确保所有中间路径都是 map
	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		key := keys[i]
		if _, ok := current[key]; !ok {
			current[key] = make(map[string]any)
		}

		nextMap, ok := current[key].(map[string]any)
		if !ok {
			// 如果不是 map，覆盖它
			nextMap = make(map[string]any)
			current[key] = nextMap
		}
		current = nextMap
	}

	current[keys[len(keys)-1]] = value
	return nil
}

// ToBytes 转换为 JSON 字节
func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

func (c *JSONContext) ToBytesWithoutError() []byte {
	bytes, err := json.Marshal(c.data)
	if err != nil {
		return nil
	}
	return bytes
}

// ToMap 返回底层 map（注意：返回的是引用）
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone 深拷贝上下文
func (c *JSONContext) Clone() *JSONContext {
	b, _ := c.ToBytes()
	return NewJSONContext(b)
}

// Unmarshal 将上下文反序列化到指定结构体
func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// MergeOverride 把other深度合并进当前上下文,相同key后合并的覆盖先合并的
// 返回新结构,不修改任何一方,合并规则是确定性的
func (c *JSONContext) MergeOverride(other *JSONContext) (*JSONContext, error) {
	result := c.Clone()
	if other == nil {
		return result, nil
	}
	src := other.Clone()
	if err := mergo.Merge(&result.data, src.data, mergo.WithOverride); err != nil {
		return nil, errors.WithMessage(err, "MergeOverride failed")
	}
	return result, nil
}
