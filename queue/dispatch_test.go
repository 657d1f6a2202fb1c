package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/uroborus2s/obsync-root-sub016/retry"
)

func newTestQueueRepo(t *testing.T) QueueRepo {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// :memory:下每个连接是独立的库,收紧到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&QueueJobPo{}, &QueueJobArchivePo{}))
	return NewQueueRepo(db)
}

func testConsumerConfig(queueName string) *ConsumerConfig {
	return &ConsumerConfig{
		QueueName:       queueName,
		Group:           "g1",
		Shards:          []string{"s0", "s1"},
		Concurrency:     2,
		ReadBlock:       20 * time.Millisecond,
		ClaimIdleAfter:  100 * time.Millisecond,
		ClaimInterval:   30 * time.Millisecond,
		PromoteInterval: 20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSendAndConsume(t *testing.T) {
	repo := newTestQueueRepo(t)
	stream := NewMemoryStream()
	ctx := context.Background()

	producer, err := NewProducer(&ProducerConfig{
		QueueName: "dispatch",
		Shards:    []string{"s0", "s1"},
	}, stream, repo)
	require.NoError(t, err)
	defer producer.Close()

	var processed int32
	consumer, err := NewConsumer(testConsumerConfig("dispatch"), stream, repo, func(ctx context.Context, msg *Message) error {
		assert.Equal(t, []byte(`{"order":1}`), msg.Payload)
		atomic.AddInt32(&processed, 1)
		return nil
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	result, err := producer.Send(ctx, []byte(`{"order":1}`), nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.JobID)

	waitFor(t, 3*time.Second, func() bool { return atomic.LoadInt32(&processed) == 1 })

	// 成功后任务被归档为completed,running表清空
	waitFor(t, 3*time.Second, func() bool {
		archived, err := repo.QueryQueueJobArchive(ctx, &QueryQueueJobParams{
			JobID: &result.JobID,
			Page:  &Pager{Page: 1, Size: 1},
		})
		return err == nil && len(archived) == 1 && archived[0].Status == JobStatusCompleted
	})
}

func TestGroupRoutesToSameShard(t *testing.T) {
	repo := newTestQueueRepo(t)
	stream := NewMemoryStream()
	ctx := context.Background()

	producer, err := NewProducer(&ProducerConfig{
		QueueName: "grouped",
		Shards:    []string{"s0", "s1", "s2", "s3"},
	}, stream, repo)
	require.NoError(t, err)
	defer producer.Close()

	opts := &SendOptions{GroupID: "wf:42"}
	first, err := producer.Send(ctx, []byte("a"), opts)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		result, err := producer.Send(ctx, []byte("b"), opts)
		require.NoError(t, err)
		// 相同GroupID的消息永远落在同一个分片,保证组内有序
		assert.Equal(t, first.Shard, result.Shard)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	repo := newTestQueueRepo(t)
	stream := NewMemoryStream()
	ctx := context.Background()

	producer, err := NewProducer(&ProducerConfig{
		QueueName:          "dlq",
		Shards:             []string{"s0"},
		DefaultMaxAttempts: 2,
	}, stream, repo)
	require.NoError(t, err)
	defer producer.Close()

	var attempts int32
	consumer, err := NewConsumer(testConsumerConfig("dlq"), stream, repo, func(ctx context.Context, msg *Message) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("handler always fails")
	}, nil, retry.NewFixed(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	result, err := producer.Send(ctx, []byte("poison"), nil)
	require.NoError(t, err)

	// maxAttempts=2: 恰好尝试2次后进死信,不会有第3次
	waitFor(t, 5*time.Second, func() bool {
		archived, err := repo.QueryQueueJobArchive(ctx, &QueryQueueJobParams{
			JobID: &result.JobID,
			Page:  &Pager{Page: 1, Size: 1},
		})
		return err == nil && len(archived) == 1 && archived[0].Status == JobStatusFailed
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	// 死信stream里有这条消息
	res, err := stream.ReadGroup(ctx, "dead-watch", "w", []string{deadLetterStreamKey("dlq")}, 10, 0)
	require.NoError(t, err)
	require.Len(t, res[deadLetterStreamKey("dlq")], 1)
	assert.Equal(t, result.JobID, res[deadLetterStreamKey("dlq")][0].Values["job_id"])
}

// at-least-once: 消费者读取后没有确认就挂掉,消息会被组内其他消费者认领重新处理
func TestCrashedConsumerMessageReclaimed(t *testing.T) {
	repo := newTestQueueRepo(t)
	stream := NewMemoryStream()
	ctx := context.Background()

	producer, err := NewProducer(&ProducerConfig{
		QueueName: "reclaim",
		Shards:    []string{"s0"},
	}, stream, repo)
	require.NoError(t, err)
	defer producer.Close()

	result, err := producer.Send(ctx, []byte("in-flight"), nil)
	require.NoError(t, err)

	// 模拟崩溃的消费者: 用同一个组读走消息但是永远不确认
	key := streamKey("reclaim", "s0")
	require.NoError(t, stream.EnsureGroup(ctx, key, "g1"))
	res, err := stream.ReadGroup(ctx, "g1", "crashed-worker", []string{key}, 1, 0)
	require.NoError(t, err)
	require.Len(t, res[key], 1)

	var processed int32
	consumer, err := NewConsumer(testConsumerConfig("reclaim"), stream, repo, func(ctx context.Context, msg *Message) error {
		if msg.ID == result.JobID {
			atomic.AddInt32(&processed, 1)
		}
		return nil
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	// 消息没有丢,超过空闲阈值后被认领并重新处理
	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt32(&processed) >= 1 })
}

func TestSendDelayed(t *testing.T) {
	repo := newTestQueueRepo(t)
	stream := NewMemoryStream()
	ctx := context.Background()

	producer, err := NewProducer(&ProducerConfig{
		QueueName: "delayed",
		Shards:    []string{"s0"},
	}, stream, repo)
	require.NoError(t, err)
	defer producer.Close()

	var mu sync.Mutex
	var processedAt time.Time
	consumer, err := NewConsumer(testConsumerConfig("delayed"), stream, repo, func(ctx context.Context, msg *Message) error {
		mu.Lock()
		processedAt = time.Now()
		mu.Unlock()
		return nil
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	sentAt := time.Now()
	_, err = producer.SendDelayed(ctx, []byte("later"), 150*time.Millisecond, nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !processedAt.IsZero()
	})
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, processedAt.Sub(sentAt), 150*time.Millisecond)
}

func TestPriorityConsumedFirst(t *testing.T) {
	repo := newTestQueueRepo(t)
	stream := NewMemoryStream()
	ctx := context.Background()

	producer, err := NewProducer(&ProducerConfig{
		QueueName: "prio",
		Shards:    []string{"s0"},
	}, stream, repo)
	require.NoError(t, err)
	defer producer.Close()

	// 先发普通消息,再发高优先级消息,消费者启动后优先级消息先被处理
	_, err = producer.Send(ctx, []byte("normal"), nil)
	require.NoError(t, err)
	_, err = producer.SendPriority(ctx, []byte("urgent"), 5, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	order := make([]string, 0)
	cfg := testConsumerConfig("prio")
	cfg.Concurrency = 1
	consumer, err := NewConsumer(cfg, stream, repo, func(ctx context.Context, msg *Message) error {
		mu.Lock()
		order = append(order, string(msg.Payload))
		mu.Unlock()
		return nil
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent", "normal"}, order)
}

// flakyStream 前failCount次Append失败,测试批量flush的整批重试
type flakyStream struct {
	Stream
	mu        sync.Mutex
	failCount int
}

func (f *flakyStream) Append(ctx context.Context, streamKey string, values map[string]any) (string, error) {
	f.mu.Lock()
	if f.failCount > 0 {
		f.failCount--
		f.mu.Unlock()
		return "", errors.New("transient append failure")
	}
	f.mu.Unlock()
	return f.Stream.Append(ctx, streamKey, values)
}

func TestBatchFlushRequeuesWholeBatch(t *testing.T) {
	repo := newTestQueueRepo(t)
	flaky := &flakyStream{Stream: NewMemoryStream(), failCount: 1}
	ctx := context.Background()

	producer, err := NewProducer(&ProducerConfig{
		QueueName:          "batch",
		Shards:             []string{"s0"},
		BatchMaxSize:       100,
		BatchFlushInterval: time.Hour, // 手动flush,排除后台循环干扰
	}, flaky, repo)
	require.NoError(t, err)
	defer producer.Close()

	jobIDs, err := producer.SendBatch(ctx, [][]byte{[]byte("m1"), []byte("m2"), []byte("m3")}, nil)
	require.NoError(t, err)
	require.Len(t, jobIDs, 3)

	// 第一次flush失败,整个批次放回缓冲
	err = producer.Flush(ctx)
	require.Error(t, err)

	// 第二次flush成功,不会重复落库
	require.NoError(t, producer.Flush(ctx))

	res, err := flaky.Stream.ReadGroup(ctx, "g", "c", []string{streamKey("batch", "s0")}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, res[streamKey("batch", "s0")], 3)

	jobs, err := repo.QueryQueueJob(ctx, &QueryQueueJobParams{
		JobIDIn: jobIDs,
		Page:    &Pager{Page: 1, Size: 10},
	})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}
