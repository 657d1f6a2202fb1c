// Package lock 提供跨进程的租约式互斥。
//
// 所有协调都通过共享快存储里的租约完成,进程之间没有内存锁。
// 租约只在 now < expiresAt 期间有效,过期的租约等同于不存在,可以被任何engine抢占。
package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrAlreadyHeld 租约已经被其他持有者持有
	ErrAlreadyHeld = errors.New("lease already held")
	// ErrLeaseExpired 续约时租约已经过期或者被别人抢占,持有者必须立刻停止修改被保护的资源
	ErrLeaseExpired = errors.New("lease expired")
	// LockFailedError 同步块没有拿到锁
	LockFailedError = errors.New("lock failed")
)

// LeaseType 租约类型
type LeaseType = string

const (
	LeaseTypeWorkflow LeaseType = "workflow"
	LeaseTypeNode     LeaseType = "node"
	LeaseTypeResource LeaseType = "resource"
)

// Lease 租约记录,存储在共享快存储里
type Lease struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	Type       LeaseType `json:"type"`
	Token      string    `json:"token"` // 持有者随机标识,续约和释放时校验
	AcquiredAt int64     `json:"acquired_at"` // 毫秒
	ExpiresAt  int64     `json:"expires_at"`  // 毫秒
}

// IsExpired 租约是否已经过期,过期等同于不存在
func (l *Lease) IsExpired(now time.Time) bool {
	return now.UnixMilli() >= l.ExpiresAt
}

type LockManager interface {
	/**
	 * @description: 获取租约,必须是一次原子的set-if-absent+TTL,
	 *               不允许先读后写,避免多个engine进程之间的check/act竞态
	 * @param key 业务key、互斥key或者节点id
	 * @param leaseType 租约类型
	 * @param ttl 租约有效期
	 * @return *Lease, error 已经被持有返回ErrAlreadyHeld
	 */
	Acquire(ctx context.Context, key string, owner string, leaseType LeaseType, ttl time.Duration) (*Lease, error)
	/**
	 * @description: 续约,必须以严格短于TTL的节奏调用(推荐TTL/3)
	 *               续约失败等同于租约丢失,持有者必须立刻停止修改被保护的资源
	 * @return error 过期或者token不匹配返回ErrLeaseExpired
	 */
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	// Release 释放租约,只有token匹配才会删除
	Release(ctx context.Context, lease *Lease) error
	// Get 查询租约,不存在(或已过期)返回nil,nil,这不是错误
	Get(ctx context.Context, key string) (*Lease, error)
	// List 列出prefix开头的所有租约,给监控使用
	List(ctx context.Context, prefix string) ([]*Lease, error)
}
