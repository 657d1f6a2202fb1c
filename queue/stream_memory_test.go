package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStreamGroupDelivery(t *testing.T) {
	stream := NewMemoryStream()
	ctx := context.Background()

	require.NoError(t, stream.EnsureGroup(ctx, "st", "g1"))
	_, err := stream.Append(ctx, "st", map[string]any{"k": "v1"})
	require.NoError(t, err)
	_, err = stream.Append(ctx, "st", map[string]any{"k": "v2"})
	require.NoError(t, err)

	// 一条消息同一时间只会投递给组内一个成员
	res1, err := stream.ReadGroup(ctx, "g1", "c1", []string{"st"}, 1, 0)
	require.NoError(t, err)
	require.Len(t, res1["st"], 1)
	assert.Equal(t, "v1", res1["st"][0].Values["k"])

	res2, err := stream.ReadGroup(ctx, "g1", "c2", []string{"st"}, 1, 0)
	require.NoError(t, err)
	require.Len(t, res2["st"], 1)
	assert.Equal(t, "v2", res2["st"][0].Values["k"])

	// 没有新消息返回空,不是错误
	res3, err := stream.ReadGroup(ctx, "g1", "c1", []string{"st"}, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, res3)
}

func TestMemoryStreamClaimIdle(t *testing.T) {
	stream := NewMemoryStream()
	ctx := context.Background()
	require.NoError(t, stream.EnsureGroup(ctx, "st", "g1"))

	_, err := stream.Append(ctx, "st", map[string]any{"k": "v"})
	require.NoError(t, err)

	// c1读取但是不确认,模拟消费者崩溃
	res, err := stream.ReadGroup(ctx, "g1", "c1", []string{"st"}, 1, 0)
	require.NoError(t, err)
	require.Len(t, res["st"], 1)
	entryID := res["st"][0].ID

	// 空闲时间不够,认领不到
	claimed, err := stream.ClaimIdle(ctx, "st", "g1", "c2", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	time.Sleep(30 * time.Millisecond)
	claimed, err = stream.ClaimIdle(ctx, "st", "g1", "c2", 20*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, entryID, claimed[0].ID)

	// 确认后不会再被认领
	require.NoError(t, stream.Ack(ctx, "st", "g1", entryID))
	time.Sleep(30 * time.Millisecond)
	claimed, err = stream.ClaimIdle(ctx, "st", "g1", "c3", 20*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMemoryStreamPriorityOrder(t *testing.T) {
	stream := NewMemoryStream()
	ctx := context.Background()

	_, err := stream.Append(ctx, "normal", map[string]any{"k": "low"})
	require.NoError(t, err)
	_, err = stream.Append(ctx, "prio", map[string]any{"k": "high"})
	require.NoError(t, err)

	// 排前面的stream优先
	res, err := stream.ReadGroup(ctx, "g1", "c1", []string{"prio", "normal"}, 1, 0)
	require.NoError(t, err)
	require.Len(t, res["prio"], 1)
	assert.Equal(t, "high", res["prio"][0].Values["k"])
}

func TestMemoryStreamTrim(t *testing.T) {
	stream := NewMemoryStream()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := stream.Append(ctx, "st", map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, stream.Trim(ctx, "st", 3, 0))

	res, err := stream.ReadGroup(ctx, "g1", "c1", []string{"st"}, 100, 0)
	require.NoError(t, err)
	assert.Len(t, res["st"], 3)
}

func TestMemoryStreamTrimByAge(t *testing.T) {
	stream := NewMemoryStream()
	ctx := context.Background()

	_, err := stream.Append(ctx, "st", map[string]any{"k": "old1"})
	require.NoError(t, err)
	_, err = stream.Append(ctx, "st", map[string]any{"k": "old2"})
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = stream.Append(ctx, "st", map[string]any{"k": "fresh"})
	require.NoError(t, err)

	// 只按时间裁剪: 超过maxAge的条目被丢弃,新条目保留
	require.NoError(t, stream.Trim(ctx, "st", 0, 30*time.Millisecond))

	res, err := stream.ReadGroup(ctx, "g1", "c1", []string{"st"}, 100, 0)
	require.NoError(t, err)
	require.Len(t, res["st"], 1)
	assert.Equal(t, "fresh", res["st"][0].Values["k"])
}
