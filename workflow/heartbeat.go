package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pkg/errors"
)

const engineRegistryKeyPrefix = "wf:engine:"

// EngineLoad engine负载记录,监控API消费
type EngineLoad struct {
	EngineID            string      `json:"engine_id"`
	State               EngineState `json:"state"`
	ActiveWorkflowCount int64       `json:"active_workflow_count"`
	LastHeartbeat       int64       `json:"last_heartbeat"` // 毫秒
}

// EngineRegistry engine注册表,带TTL的负载发布
// 记录过期等同于engine不在线
type EngineRegistry interface {
	Publish(ctx context.Context, load *EngineLoad, ttl time.Duration) error
	List(ctx context.Context) ([]*EngineLoad, error)
}

type redisEngineRegistry struct {
	client redis.UniversalClient
}

func NewRedisEngineRegistry(client redis.UniversalClient) EngineRegistry {
	return &redisEngineRegistry{client: client}
}

func (r *redisEngineRegistry) Publish(ctx context.Context, load *EngineLoad, ttl time.Duration) error {
	value, err := json.Marshal(load)
	if err != nil {
		return errors.WithMessage(err, "Publish marshal failed")
	}
	if err := r.client.Set(ctx, engineRegistryKeyPrefix+load.EngineID, value, ttl).Err(); err != nil {
		return errors.WithMessagef(err, "Publish failed, engineID: %s", load.EngineID)
	}
	return nil
}

func (r *redisEngineRegistry) List(ctx context.Context) ([]*EngineLoad, error) {
	loads := make([]*EngineLoad, 0)
	iter := r.client.Scan(ctx, 0, engineRegistryKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		value, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, errors.WithMessagef(err, "List get failed, key: %s", iter.Val())
		}
		load := &EngineLoad{}
		if err := json.Unmarshal(value, load); err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("[redisEngineRegistry.List] bad record, key: %s, err: %v", iter.Val(), err))
			continue
		}
		loads = append(loads, load)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WithMessage(err, "List scan failed")
	}
	return loads, nil
}

type memoryRegistryEntry struct {
	load      *EngineLoad
	expiresAt time.Time
}

// memoryEngineRegistry 进程内注册表,测试和单进程部署用
type memoryEngineRegistry struct {
	mu      sync.Mutex
	entries map[string]*memoryRegistryEntry
}

func NewMemoryEngineRegistry() EngineRegistry {
	return &memoryEngineRegistry{entries: make(map[string]*memoryRegistryEntry)}
}

func (r *memoryEngineRegistry) Publish(ctx context.Context, load *EngineLoad, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *load
	r.entries[load.EngineID] = &memoryRegistryEntry{
		load:      &copied,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (r *memoryEngineRegistry) List(ctx context.Context) ([]*EngineLoad, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	loads := make([]*EngineLoad, 0, len(r.entries))
	for id, entry := range r.entries {
		if now.After(entry.expiresAt) {
			delete(r.entries, id)
			continue
		}
		copied := *entry.load
		loads = append(loads, &copied)
	}
	return loads, nil
}

// Heartbeat engine心跳循环
// 每个周期做两件事: 续约本engine持有的工作流租约和mutex租约
// (长节点执行期间实例不会被误判为孤儿,互斥也不会因为TTL到期而失守),
// 发布本engine的负载记录
type Heartbeat struct {
	engine   *WorkflowEngineImpl
	registry EngineRegistry
	interval time.Duration
	ttl      time.Duration

	mu     sync.Mutex
	state  EngineState
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewHeartbeat(engine *WorkflowEngineImpl, registry EngineRegistry, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = engine.cfg.WorkflowLeaseTTL / 3
	}
	return &Heartbeat{
		engine:   engine,
		registry: registry,
		interval: interval,
		ttl:      interval * 3,
		state:    EngineStateActive,
		stopCh:   make(chan struct{}),
	}
}

// SetState 切换engine状态,maintenance状态下心跳继续但是不接新活,由调用方配合
func (h *Heartbeat) SetState(state EngineState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

func (h *Heartbeat) State() EngineState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Heartbeat) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		h.beat(ctx)
		for {
			select {
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.beat(ctx)
			}
		}
	}()
}

func (h *Heartbeat) Stop() {
	close(h.stopCh)
	h.wg.Wait()
	// 下线前把状态标成inactive,等TTL自然过期兜底
	load := &EngineLoad{
		EngineID:      h.engine.cfg.EngineID,
		State:         EngineStateInactive,
		LastHeartbeat: time.Now().UnixMilli(),
	}
	if err := h.registry.Publish(context.Background(), load, h.ttl); err != nil {
		slog.Warn(fmt.Sprintf("[Heartbeat.Stop] publish failed, err: %v", err))
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	engine := h.engine
	active := h.renewOwnedLeases(ctx, "wf:lease:")
	// mutex租约和持有它的实例同寿命,不续约会在TTL后失守互斥
	h.renewOwnedLeases(ctx, "wf:mutex:")
	load := &EngineLoad{
		EngineID:            engine.cfg.EngineID,
		State:               h.State(),
		ActiveWorkflowCount: active,
		LastHeartbeat:       time.Now().UnixMilli(),
	}
	if err := h.registry.Publish(ctx, load, h.ttl); err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[Heartbeat.beat] publish failed, err: %v", err))
	}
}

// renewOwnedLeases 续约本engine持有的prefix开头的租约,返回续约的数量
func (h *Heartbeat) renewOwnedLeases(ctx context.Context, prefix string) int64 {
	engine := h.engine
	renewed := int64(0)
	leases, err := engine.lockMgr.List(ctx, prefix)
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[Heartbeat.beat] list leases failed, prefix: %s, err: %v", prefix, err))
		return 0
	}
	for _, lease := range leases {
		if lease.Owner != engine.cfg.EngineID {
			continue
		}
		renewed++
		if err := engine.lockMgr.Renew(ctx, lease, engine.cfg.WorkflowLeaseTTL); err != nil {
			// 续约失败等同于租约丢失,这个实例会由恢复服务接手
			slog.WarnContext(ctx, fmt.Sprintf("[Heartbeat.beat] renew failed, key: %s, err: %v", lease.Key, err))
		}
	}
	return renewed
}
