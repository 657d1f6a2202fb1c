// Package retry 提供重试延迟策略。
//
// 策略是纯函数: 根据已经尝试的次数计算下一次重试的延迟，永远不会返回负数。
// 引擎的节点重试和队列的消息重试都复用这里的策略。
package retry

import (
	"fmt"
	"log/slog"
	"time"
)

// Strategy 重试延迟策略
type Strategy interface {
	/**
	 * @description: 根据已经尝试的次数计算下一次重试的延迟
	 * @param attemptsMade int 已经尝试的次数,从0开始
	 * @return time.Duration 延迟时间,永远>=0
	 */
	GetDelay(attemptsMade int) time.Duration
}

// 自定义策略出错时的兜底延迟
const customFallbackDelay = 1000 * time.Millisecond

type fixedStrategy struct {
	delay time.Duration
}

// NewFixed 固定延迟策略,每次重试延迟相同
func NewFixed(delay time.Duration) Strategy {
	return &fixedStrategy{delay: delay}
}

func (s *fixedStrategy) GetDelay(attemptsMade int) time.Duration {
	if s.delay < 0 {
		return 0
	}
	return s.delay
}

type exponentialStrategy struct {
	base   time.Duration
	factor float64
	max    time.Duration
}

// NewExponential 指数退避策略, base * factor^attempts, 上限为max
func NewExponential(base time.Duration, factor float64, max time.Duration) Strategy {
	if base <= 0 {
		base = time.Second
	}
	if factor < 1 {
		factor = 2
	}
	if max <= 0 {
		max = time.Minute
	}
	return &exponentialStrategy{base: base, factor: factor, max: max}
}

func (s *exponentialStrategy) GetDelay(attemptsMade int) time.Duration {
	if attemptsMade < 0 {
		attemptsMade = 0
	}
	delay := float64(s.base)
	for i := 0; i < attemptsMade; i++ {
		delay = delay * s.factor
		if time.Duration(delay) >= s.max {
			// 达到上限了,没有必要继续乘
			return s.max
		}
	}
	if time.Duration(delay) > s.max {
		return s.max
	}
	return time.Duration(delay)
}

// CustomFunc 自定义延迟计算函数,业务侧实现
type CustomFunc func(attemptsMade int) time.Duration

type customStrategy struct {
	fn CustomFunc
}

// NewCustom 自定义策略
// 自定义函数panic不会向外传播: 计算重试延迟的函数出问题不能把调度器搞挂,
// 这种情况记录日志并退回1000ms默认延迟
func NewCustom(fn CustomFunc) Strategy {
	return &customStrategy{fn: fn}
}

func (s *customStrategy) GetDelay(attemptsMade int) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn(fmt.Sprintf("[retry.customStrategy] custom delay func panic: %v, attemptsMade: %d, fallback to %v", r, attemptsMade, customFallbackDelay))
			delay = customFallbackDelay
		}
	}()
	if s.fn == nil {
		return customFallbackDelay
	}
	delay = s.fn(attemptsMade)
	if delay < 0 {
		delay = 0
	}
	return delay
}
