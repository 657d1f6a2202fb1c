package lock

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// 续约脚本: token匹配才允许覆盖写入新的租约内容
	renewCommand = `
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local ok, lease = pcall(cjson.decode, v)
if not ok then return 0 end
if lease.token ~= ARGV[1] then return 0 end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`
	// 释放脚本: token匹配才允许删除
	delCommand = `
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local ok, lease = pcall(cjson.decode, v)
if not ok then return 0 end
if lease.token ~= ARGV[1] then return 0 end
return redis.call("DEL", KEYS[1])
`
)

func NewRedisLockManager(redisClient redis.Cmdable) LockManager {
	return &redisLockManager{redisClient: redisClient}
}

type redisLockManager struct {
	redisClient redis.Cmdable
}

func (d *redisLockManager) Acquire(ctx context.Context, key string, owner string, leaseType LeaseType, ttl time.Duration) (*Lease, error) {
	now := time.Now()
	lease := &Lease{
		Key:        key,
		Owner:      owner,
		Type:       leaseType,
		Token:      getRandomToken(),
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(ttl).UnixMilli(),
	}
	payload, err := json.Marshal(lease)
	if err != nil {
		return nil, errors.WithMessagef(err, "[redisLockManager.Acquire] marshal lease failed, key: %s", key)
	}
	isLock, err := d.redisClient.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		return nil, errors.WithMessagef(err, "[redisLockManager.Acquire] SetNX failed, key: %s", key)
	}
	if !isLock {
		return nil, errors.WithMessagef(ErrAlreadyHeld, "[redisLockManager.Acquire] key: %s", key)
	}
	return lease, nil
}

func (d *redisLockManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if lease == nil {
		return errors.New("lease is nil")
	}
	renewed := *lease
	renewed.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	payload, err := json.Marshal(&renewed)
	if err != nil {
		return errors.WithMessagef(err, "[redisLockManager.Renew] marshal lease failed, key: %s", lease.Key)
	}
	replyInterface, err := d.redisClient.Eval(ctx, renewCommand, []string{lease.Key}, lease.Token, string(payload), ttl.Milliseconds()).Result()
	if err != nil {
		return errors.WithMessagef(err, "[redisLockManager.Renew] eval failed, key: %s", lease.Key)
	}
	reply, ok := replyInterface.(int64)
	if !ok || reply != 1 {
		// token不匹配或者key已经不存在,说明租约已经丢失
		return errors.WithMessagef(ErrLeaseExpired, "[redisLockManager.Renew] key: %s", lease.Key)
	}
	lease.ExpiresAt = renewed.ExpiresAt
	return nil
}

func (d *redisLockManager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return errors.New("lease is nil")
	}
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	replyInterface, err := d.redisClient.Eval(context.Background(), delCommand, []string{lease.Key}, lease.Token).Result()
	if err != nil {
		log.Printf("[redisLockManager.Release] release key failed, key: %s, err:%v", lease.Key, err)
		return errors.WithMessagef(err, "[redisLockManager.Release] key: %s", lease.Key)
	}
	reply, ok := replyInterface.(int64)
	if !ok || reply != 1 {
		// 没有成功释放,可能已经过期被别人抢占了,不算错误
		log.Printf("[redisLockManager.Release] key already gone or stolen, key: %s, reply:%v", lease.Key, replyInterface)
	}
	return nil
}

func (d *redisLockManager) Get(ctx context.Context, key string) (*Lease, error) {
	value, err := d.redisClient.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// 不存在不是错误
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "[redisLockManager.Get] key: %s", key)
	}
	lease := &Lease{}
	if err := json.Unmarshal([]byte(value), lease); err != nil {
		return nil, errors.WithMessagef(err, "[redisLockManager.Get] unmarshal lease failed, key: %s", key)
	}
	return lease, nil
}

func (d *redisLockManager) List(ctx context.Context, prefix string) ([]*Lease, error) {
	leases := make([]*Lease, 0)
	var cursor uint64
	for {
		keys, nextCursor, err := d.redisClient.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, errors.WithMessagef(err, "[redisLockManager.List] scan failed, prefix: %s", prefix)
		}
		for _, key := range keys {
			lease, err := d.Get(ctx, key)
			if err != nil {
				// 单个key读失败不影响整体列表
				log.Printf("[redisLockManager.List] get key failed, key: %s, err:%v", key, err)
				continue
			}
			if lease != nil {
				leases = append(leases, lease)
			}
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return leases, nil
}

// token是持有者的防护标识,续约和释放都拿它做CAS,必须全局唯一
func getRandomToken() string {
	return uuid.NewString()
}
