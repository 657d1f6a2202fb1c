package queue

import (
	"context"
	"time"
)

// StreamEntry 日志条目
type StreamEntry struct {
	ID     string
	Values map[string]any
}

// Stream 共享快存储的日志原语: 追加、按消费组读取、确认、认领空闲、裁剪
// redis streams是生产实现,memory实现给测试和单进程部署使用
type Stream interface {
	// Append 追加一条日志,返回条目ID
	Append(ctx context.Context, streamKey string, values map[string]any) (string, error)
	// EnsureGroup 确保消费组存在,重复创建不算错误
	EnsureGroup(ctx context.Context, streamKey string, group string) error
	/**
	 * @description: 以消费组方式读取,一条消息同一时间只会投递给组内一个成员
	 * @param streamKeys 多个stream按顺序读,排前面的优先(给优先级队列使用)
	 * @param block 最多阻塞时长,没有数据返回空map,不是错误
	 */
	ReadGroup(ctx context.Context, group string, consumer string, streamKeys []string, count int64, block time.Duration) (map[string][]StreamEntry, error)
	// Ack 确认消息,确认后不会再被投递
	Ack(ctx context.Context, streamKey string, group string, ids ...string) error
	/**
	 * @description: 认领空闲超过minIdle还没有被确认的消息(所有权转移),
	 *               崩溃的消费者的在途消息靠这个机制恢复
	 */
	ClaimIdle(ctx context.Context, streamKey string, group string, consumer string, minIdle time.Duration, count int64) ([]StreamEntry, error)
	// Trim 按长度或者时间裁剪,两个条件都<=0时不做任何事
	Trim(ctx context.Context, streamKey string, maxLen int64, maxAge time.Duration) error
}
