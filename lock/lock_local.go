package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalLockManager 进程内实现,单进程部署和测试使用,语义和redis实现保持一致
func NewLocalLockManager() LockManager {
	return &localLockManager{
		leases: make(map[string]*Lease),
	}
}

type localLockManager struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

func (l *localLockManager) Acquire(ctx context.Context, key string, owner string, leaseType LeaseType, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if existing, ok := l.leases[key]; ok && !existing.IsExpired(now) {
		return nil, errors.WithMessagef(ErrAlreadyHeld, "[localLockManager.Acquire] key: %s", key)
	}
	// 过期的租约等同于不存在,直接抢占
	lease := &Lease{
		Key:        key,
		Owner:      owner,
		Type:       leaseType,
		Token:      getRandomToken(),
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(ttl).UnixMilli(),
	}
	l.leases[key] = lease
	copied := *lease
	return &copied, nil
}

func (l *localLockManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if lease == nil {
		return errors.New("lease is nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	existing, ok := l.leases[lease.Key]
	if !ok || existing.Token != lease.Token || existing.IsExpired(now) {
		return errors.WithMessagef(ErrLeaseExpired, "[localLockManager.Renew] key: %s", lease.Key)
	}
	existing.ExpiresAt = now.Add(ttl).UnixMilli()
	lease.ExpiresAt = existing.ExpiresAt
	return nil
}

func (l *localLockManager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return errors.New("lease is nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.leases[lease.Key]
	if !ok || existing.Token != lease.Token {
		// 已经过期被别人抢占了,不算错误
		return nil
	}
	delete(l.leases, lease.Key)
	return nil
}

func (l *localLockManager) Get(ctx context.Context, key string) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.leases[key]
	if !ok || existing.IsExpired(time.Now()) {
		return nil, nil
	}
	copied := *existing
	return &copied, nil
}

func (l *localLockManager) List(ctx context.Context, prefix string) ([]*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	leases := make([]*Lease, 0)
	for key, lease := range l.leases {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if lease.IsExpired(now) {
			continue
		}
		copied := *lease
		leases = append(leases, &copied)
	}
	return leases, nil
}
