package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// NewMemoryStream 进程内实现,语义对齐redis streams,测试和单进程部署使用
func NewMemoryStream() Stream {
	return &memoryStream{
		streams: make(map[string]*memStreamData),
	}
}

type memoryStream struct {
	mu      sync.Mutex
	seq     int64
	streams map[string]*memStreamData
}

type memStreamData struct {
	entries []StreamEntry
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int // 下一条未投递的条目下标
	pending map[string]*memPending
}

type memPending struct {
	entry       StreamEntry
	consumer    string
	deliveredAt time.Time
}

func (s *memoryStream) getStream(streamKey string) *memStreamData {
	data, ok := s.streams[streamKey]
	if !ok {
		data = &memStreamData{
			entries: make([]StreamEntry, 0),
			groups:  make(map[string]*memGroup),
		}
		s.streams[streamKey] = data
	}
	return data
}

func (s *memoryStream) getGroup(data *memStreamData, group string) *memGroup {
	g, ok := data.groups[group]
	if !ok {
		g = &memGroup{pending: make(map[string]*memPending)}
		data.groups[group] = g
	}
	return g
}

func (s *memoryStream) Append(ctx context.Context, streamKey string, values map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	data := s.getStream(streamKey)
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	data.entries = append(data.entries, StreamEntry{ID: id, Values: copied})
	return id, nil
}

func (s *memoryStream) EnsureGroup(ctx context.Context, streamKey string, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getGroup(s.getStream(streamKey), group)
	return nil
}

func (s *memoryStream) ReadGroup(ctx context.Context, group string, consumer string, streamKeys []string, count int64, block time.Duration) (map[string][]StreamEntry, error) {
	deadline := time.Now().Add(block)
	for {
		ret := s.tryRead(group, consumer, streamKeys, count)
		if len(ret) > 0 {
			return ret, nil
		}
		if block <= 0 || time.Now().After(deadline) {
			return map[string][]StreamEntry{}, nil
		}
		select {
		case <-ctx.Done():
			return map[string][]StreamEntry{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *memoryStream) tryRead(group string, consumer string, streamKeys []string, count int64) map[string][]StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make(map[string][]StreamEntry)
	budget := count
	now := time.Now()
	// streamKeys排前面的优先,给优先级队列使用
	for _, streamKey := range streamKeys {
		if budget <= 0 {
			break
		}
		data := s.getStream(streamKey)
		g := s.getGroup(data, group)
		entries := make([]StreamEntry, 0)
		for g.cursor < len(data.entries) && budget > 0 {
			entry := data.entries[g.cursor]
			g.cursor++
			g.pending[entry.ID] = &memPending{entry: entry, consumer: consumer, deliveredAt: now}
			entries = append(entries, entry)
			budget--
		}
		if len(entries) > 0 {
			ret[streamKey] = entries
		}
	}
	return ret
}

func (s *memoryStream) Ack(ctx context.Context, streamKey string, group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.getGroup(s.getStream(streamKey), group)
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (s *memoryStream) ClaimIdle(ctx context.Context, streamKey string, group string, consumer string, minIdle time.Duration, count int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.getGroup(s.getStream(streamKey), group)
	now := time.Now()
	claimed := make([]StreamEntry, 0)
	for _, pending := range g.pending {
		if int64(len(claimed)) >= count {
			break
		}
		if now.Sub(pending.deliveredAt) < minIdle {
			continue
		}
		// 所有权转移
		pending.consumer = consumer
		pending.deliveredAt = now
		claimed = append(claimed, pending.entry)
	}
	return claimed, nil
}

func (s *memoryStream) Trim(ctx context.Context, streamKey string, maxLen int64, maxAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getStream(streamKey)
	drop := 0
	if maxLen > 0 && int64(len(data.entries)) > maxLen {
		drop = len(data.entries) - int(maxLen)
	}
	if maxAge > 0 {
		// 条目按追加顺序排列,ID的时间戳部分单调不减
		cutoff := time.Now().Add(-maxAge).UnixMilli()
		aged := 0
		for aged < len(data.entries) && entryTimestamp(data.entries[aged].ID) < cutoff {
			aged++
		}
		if aged > drop {
			drop = aged
		}
	}
	if drop == 0 {
		return nil
	}
	data.entries = data.entries[drop:]
	for _, g := range data.groups {
		g.cursor = g.cursor - drop
		if g.cursor < 0 {
			g.cursor = 0
		}
	}
	return nil
}

// entryTimestamp 条目ID的毫秒时间戳部分,和redis stream的ID布局一致
func entryTimestamp(id string) int64 {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}
	ts, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
