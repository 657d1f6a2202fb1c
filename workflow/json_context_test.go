package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONContextGetSet(t *testing.T) {
	ctx := NewJSONContext([]byte(`{"user":{"name":"张三","age":30},"flag":true}`))

	name, ok := ctx.GetString("user", "name")
	require.True(t, ok)
	assert.Equal(t, "张三", name)

	age, ok := ctx.GetInt64("user", "age")
	require.True(t, ok)
	assert.Equal(t, int64(30), age)

	flag, ok := ctx.GetBool("flag")
	require.True(t, ok)
	assert.True(t, flag)

	_, ok = ctx.Get("missing", "path")
	assert.False(t, ok)

	require.NoError(t, ctx.Set([]string{"user", "email"}, "a@b.c"))
	email, ok := ctx.GetString("user", "email")
	require.True(t, ok)
	assert.Equal(t, "a@b.c", email)
}

func TestJSONContextCloneIsolation(t *testing.T) {
	ctx := NewJSONContext([]byte(`{"a":1}`))
	clone := ctx.Clone()
	require.NoError(t, clone.Set([]string{"a"}, 2))

	orig, _ := ctx.GetInt64("a")
	assert.Equal(t, int64(1), orig)
}

func TestJSONContextMergeOverride(t *testing.T) {
	base := NewJSONContext([]byte(`{"shared":{"a":1,"b":1},"only_base":true}`))
	update := NewJSONContext([]byte(`{"shared":{"b":2,"c":3},"only_update":true}`))

	merged, err := base.MergeOverride(update)
	require.NoError(t, err)

	// 后合并的覆盖相同key,深度合并保留两边独有的key
	a, _ := merged.GetInt64("shared", "a")
	b, _ := merged.GetInt64("shared", "b")
	c, _ := merged.GetInt64("shared", "c")
	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(2), b)
	assert.Equal(t, int64(3), c)
	_, ok := merged.Get("only_base")
	assert.True(t, ok)
	_, ok = merged.Get("only_update")
	assert.True(t, ok)

	// 合并返回新结构,两个输入都不被修改
	baseB, _ := base.GetInt64("shared", "b")
	assert.Equal(t, int64(1), baseB)
	_, ok = base.Get("shared", "c")
	assert.False(t, ok)
}

func TestJSONContextMergeOverrideDeterministic(t *testing.T) {
	first := NewJSONContext([]byte(`{"k":"first"}`))
	second := NewJSONContext([]byte(`{"k":"second"}`))

	merged, err := first.MergeOverride(second)
	require.NoError(t, err)
	v, _ := merged.GetString("k")
	assert.Equal(t, "second", v)

	reversed, err := second.MergeOverride(first)
	require.NoError(t, err)
	v, _ = reversed.GetString("k")
	assert.Equal(t, "first", v)
}
