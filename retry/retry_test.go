package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedStrategy(t *testing.T) {
	s := NewFixed(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, s.GetDelay(0))
	assert.Equal(t, 500*time.Millisecond, s.GetDelay(10))

	// 负数延迟收敛到0
	neg := NewFixed(-time.Second)
	assert.Equal(t, time.Duration(0), neg.GetDelay(0))
}

func TestExponentialStrategy(t *testing.T) {
	s := NewExponential(100*time.Millisecond, 2, 10*time.Second)
	assert.Equal(t, 100*time.Millisecond, s.GetDelay(0))
	assert.Equal(t, 200*time.Millisecond, s.GetDelay(1))
	assert.Equal(t, 400*time.Millisecond, s.GetDelay(2))
	assert.Equal(t, 800*time.Millisecond, s.GetDelay(3))

	// 上限封顶
	assert.Equal(t, 10*time.Second, s.GetDelay(100))
	// 负数尝试次数当作0处理
	assert.Equal(t, 100*time.Millisecond, s.GetDelay(-3))
}

func TestExponentialStrategyDefaults(t *testing.T) {
	s := NewExponential(0, 0, 0)
	// 非法参数回落到默认值,不会panic
	assert.True(t, s.GetDelay(0) > 0)
	assert.True(t, s.GetDelay(20) <= time.Minute)
}

func TestCustomStrategy(t *testing.T) {
	s := NewCustom(func(attemptsMade int) time.Duration {
		return time.Duration(attemptsMade) * time.Second
	})
	assert.Equal(t, 3*time.Second, s.GetDelay(3))
	assert.Equal(t, time.Duration(0), s.GetDelay(-1))
}

func TestCustomStrategyPanicFallback(t *testing.T) {
	s := NewCustom(func(attemptsMade int) time.Duration {
		panic("broken delay calculator")
	})
	// panic不能传播出来,退回默认1000ms
	assert.Equal(t, 1000*time.Millisecond, s.GetDelay(1))
}

func TestCustomStrategyNilFunc(t *testing.T) {
	s := NewCustom(nil)
	assert.Equal(t, 1000*time.Millisecond, s.GetDelay(0))
}
