package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type leaseCtxKey string

// NewSynchronizer 基于LockManager的同步块辅助器
func NewSynchronizer(manager LockManager, owner string) *Synchronizer {
	return &Synchronizer{manager: manager, owner: owner}
}

type Synchronizer struct {
	manager LockManager
	owner   string
}

// NonBlockingSynchronized
//
//	@Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回LockFailedError
//	               2.可以重入锁,重入通过context里的租约标识判断
//	@param ctx 原来的ctx
//	@param key 分布式锁的的key
//	@param ttl 锁最大的时间
//	@param f 具体执行函数的闭包
//	@return error
func (s *Synchronizer) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	valueInterface := ctx.Value(leaseCtxKey(key))
	_, ok := valueInterface.(*Lease)
	if ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	lease, err := s.manager.Acquire(ctx, key, s.owner, LeaseTypeResource, ttl)
	if err != nil {
		if errors.Is(errors.Cause(err), ErrAlreadyHeld) {
			return errors.WithMessagef(LockFailedError, "[Synchronizer.NonBlockingSynchronized] has been locked, key: %s", key)
		}
		return errors.WithMessagef(LockFailedError, "[Synchronizer.NonBlockingSynchronized] key: %s, err:%v", key, err)
	}
	withKeyCtx := context.WithValue(ctx, leaseCtxKey(key), lease)
	defer s.manager.Release(context.Background(), lease)
	return f(withKeyCtx)
}

// Validate 提交前的乐观校验: 检查当前同步块持有的租约是否还有效
// 租约在操作中途丢失时必须在提交前中止变更,返回ErrLeaseExpired
func (s *Synchronizer) Validate(ctx context.Context, key string) error {
	valueInterface := ctx.Value(leaseCtxKey(key))
	lease, ok := valueInterface.(*Lease)
	if !ok {
		return errors.WithMessagef(ErrLeaseExpired, "[Synchronizer.Validate] no lease in context, key: %s", key)
	}
	current, err := s.manager.Get(ctx, key)
	if err != nil {
		return errors.WithMessagef(err, "[Synchronizer.Validate] key: %s", key)
	}
	if current == nil || current.Token != lease.Token {
		return errors.WithMessagef(ErrLeaseExpired, "[Synchronizer.Validate] lease lost, key: %s", key)
	}
	return nil
}

// StartAutoRenew 启动自动续约,以ttl/3的节奏续约,严格短于TTL
// 续约失败等同于租约丢失: 调用onLost后停止,持有者必须立刻停止修改被保护的资源
// 返回stop函数,正常释放租约前调用
func StartAutoRenew(ctx context.Context, manager LockManager, lease *Lease, ttl time.Duration, onLost func(err error)) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := manager.Renew(ctx, lease, ttl); err != nil {
					if onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
	return func() { close(stopCh) }
}
