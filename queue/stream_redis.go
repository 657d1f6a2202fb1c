package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

func NewRedisStream(redisClient redis.Cmdable) Stream {
	return &redisStream{redisClient: redisClient}
}

type redisStream struct {
	redisClient redis.Cmdable
}

func (s *redisStream) Append(ctx context.Context, streamKey string, values map[string]any) (string, error) {
	id, err := s.redisClient.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: values,
	}).Result()
	if err != nil {
		return "", errors.WithMessagef(err, "[redisStream.Append] streamKey: %s", streamKey)
	}
	return id, nil
}

func (s *redisStream) EnsureGroup(ctx context.Context, streamKey string, group string) error {
	err := s.redisClient.XGroupCreateMkStream(ctx, streamKey, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.WithMessagef(err, "[redisStream.EnsureGroup] streamKey: %s, group: %s", streamKey, group)
	}
	return nil
}

func (s *redisStream) ReadGroup(ctx context.Context, group string, consumer string, streamKeys []string, count int64, block time.Duration) (map[string][]StreamEntry, error) {
	streams := make([]string, 0, len(streamKeys)*2)
	streams = append(streams, streamKeys...)
	for range streamKeys {
		streams = append(streams, ">")
	}
	result, err := s.redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		// 没有新消息不是错误
		return map[string][]StreamEntry{}, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "[redisStream.ReadGroup] group: %s", group)
	}
	ret := make(map[string][]StreamEntry, len(result))
	for _, xs := range result {
		entries := make([]StreamEntry, 0, len(xs.Messages))
		for _, msg := range xs.Messages {
			entries = append(entries, StreamEntry{ID: msg.ID, Values: msg.Values})
		}
		ret[xs.Stream] = entries
	}
	return ret, nil
}

func (s *redisStream) Ack(ctx context.Context, streamKey string, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.redisClient.XAck(ctx, streamKey, group, ids...).Err(); err != nil {
		return errors.WithMessagef(err, "[redisStream.Ack] streamKey: %s, group: %s", streamKey, group)
	}
	return nil
}

func (s *redisStream) ClaimIdle(ctx context.Context, streamKey string, group string, consumer string, minIdle time.Duration, count int64) ([]StreamEntry, error) {
	messages, _, err := s.redisClient.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, errors.WithMessagef(err, "[redisStream.ClaimIdle] streamKey: %s, group: %s", streamKey, group)
	}
	entries := make([]StreamEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, StreamEntry{ID: msg.ID, Values: msg.Values})
	}
	return entries, nil
}

func (s *redisStream) Trim(ctx context.Context, streamKey string, maxLen int64, maxAge time.Duration) error {
	if maxLen > 0 {
		if err := s.redisClient.XTrimMaxLenApprox(ctx, streamKey, maxLen, 0).Err(); err != nil {
			return errors.WithMessagef(err, "[redisStream.Trim] maxlen, streamKey: %s", streamKey)
		}
	}
	if maxAge > 0 {
		// stream条目ID的时间戳部分是毫秒,按最小ID裁剪等价于按时间裁剪
		minID := fmt.Sprintf("%d-0", time.Now().Add(-maxAge).UnixMilli())
		if err := s.redisClient.XTrimMinID(ctx, streamKey, minID).Err(); err != nil {
			return errors.WithMessagef(err, "[redisStream.Trim] minid, streamKey: %s", streamKey)
		}
	}
	return nil
}
