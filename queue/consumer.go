package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/uroborus2s/obsync-root-sub016/retry"
)

// Handler 消息处理函数,业务侧实现
// 返回nil表示处理成功,消息会被确认并归档
type Handler func(ctx context.Context, msg *Message) error

// RetryPolicy 处理失败后决定是否重试,返回false直接进死信
type RetryPolicy func(msg *Message, err error) bool

type ConsumerConfig struct {
	QueueName    string   `validate:"required"`
	Group        string   `validate:"required"`
	Shards       []string `validate:"required,min=1"`
	ConsumerName string   // 组内消费者标识,空则生成uuid
	VirtualNodes int
	// 每个队列的worker数量
	Concurrency int
	ReadBlock   time.Duration
	// 未确认消息空闲超过这个时长后,组内任何消费者都可以认领(所有权转移)
	ClaimIdleAfter time.Duration
	ClaimInterval  time.Duration
	// 延迟任务晋升检查周期
	PromoteInterval time.Duration
	// 任务执行锁定时长,写进locked_until
	VisibilityTimeout time.Duration
}

func (c *ConsumerConfig) fillDefaults() {
	if c.ConsumerName == "" {
		c.ConsumerName = uuid.NewString()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = time.Second
	}
	if c.ClaimIdleAfter <= 0 {
		c.ClaimIdleAfter = 30 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = c.ClaimIdleAfter / 2
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 500 * time.Millisecond
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = time.Minute
	}
}

type Consumer struct {
	cfg         *ConsumerConfig
	stream      Stream
	repo        QueueRepo
	handler     Handler
	shouldRetry RetryPolicy
	backoff     retry.Strategy

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewConsumer(cfg *ConsumerConfig, stream Stream, repo QueueRepo, handler Handler, shouldRetry RetryPolicy, backoff retry.Strategy) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.Wrap(ErrQueueParamInvalid, "nil ConsumerConfig")
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.Wrapf(ErrQueueParamInvalid, "NewConsumer failed, cfg: %v, err: %v", cfg, err)
	}
	if handler == nil {
		return nil, errors.Wrap(ErrQueueParamInvalid, "nil handler")
	}
	cfg.fillDefaults()
	if shouldRetry == nil {
		shouldRetry = func(msg *Message, err error) bool { return true }
	}
	if backoff == nil {
		backoff = retry.NewExponential(time.Second, 2, time.Minute)
	}
	return &Consumer{
		cfg:         cfg,
		stream:      stream,
		repo:        repo,
		handler:     handler,
		shouldRetry: shouldRetry,
		backoff:     backoff,
		stopCh:      make(chan struct{}),
	}, nil
}

// orderedStreams 消费顺序: 所有分片的优先级stream在前,普通stream在后
func (c *Consumer) orderedStreams() []string {
	keys := make([]string, 0, len(c.cfg.Shards)*2)
	for _, shard := range c.cfg.Shards {
		keys = append(keys, priorityStreamKey(c.cfg.QueueName, shard))
	}
	for _, shard := range c.cfg.Shards {
		keys = append(keys, streamKey(c.cfg.QueueName, shard))
	}
	return keys
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("consumer already started")
	}
	c.started = true
	c.mu.Unlock()

	for _, key := range c.orderedStreams() {
		if err := c.stream.EnsureGroup(ctx, key, c.cfg.Group); err != nil {
			return errors.WithMessagef(err, "Start ensure group failed, stream: %s", key)
		}
	}

	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}
	c.wg.Add(1)
	go c.claimLoop(ctx)
	c.wg.Add(1)
	go c.promoteLoop(ctx)
	return nil
}

func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Consumer) workerLoop(ctx context.Context, workerIndex int) {
	defer c.wg.Done()
	consumerName := fmt.Sprintf("%s-%d", c.cfg.ConsumerName, workerIndex)
	streams := c.orderedStreams()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		result, err := c.stream.ReadGroup(ctx, c.cfg.Group, consumerName, streams, 1, c.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, fmt.Sprintf("[Consumer.workerLoop] read failed, queue: %s, err: %v", c.cfg.QueueName, err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for key, entries := range result {
			for _, entry := range entries {
				c.processEntry(ctx, key, entry, consumerName)
			}
		}
	}
}

// claimLoop 周期性认领空闲过久的未确认消息,恢复崩溃的消费者的在途任务
func (c *Consumer) claimLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ClaimInterval)
	defer ticker.Stop()
	claimer := c.cfg.ConsumerName + "-claimer"
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range c.orderedStreams() {
				entries, err := c.stream.ClaimIdle(ctx, key, c.cfg.Group, claimer, c.cfg.ClaimIdleAfter, 16)
				if err != nil {
					slog.WarnContext(ctx, fmt.Sprintf("[Consumer.claimLoop] claim failed, stream: %s, err: %v", key, err))
					continue
				}
				for _, entry := range entries {
					c.processEntry(ctx, key, entry, claimer)
				}
			}
		}
	}
}

// promoteLoop 把到点的延迟任务重新入队
func (c *Consumer) promoteLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.promoteDueJobs(ctx); err != nil {
				slog.WarnContext(ctx, fmt.Sprintf("[Consumer.promoteLoop] promote failed, queue: %s, err: %v", c.cfg.QueueName, err))
			}
		}
	}
}

func (c *Consumer) promoteDueJobs(ctx context.Context) error {
	now := time.Now().UnixMilli()
	jobs, err := c.repo.QueryQueueJob(ctx, &QueryQueueJobParams{
		QueueName:        &c.cfg.QueueName,
		StatusIn:         []string{JobStatusDelayed},
		DelayUntilBefore: &now,
		Page:             &Pager{Page: 1, Size: 100},
	})
	if err != nil {
		return errors.WithMessage(err, "promoteDueJobs query failed")
	}
	for _, job := range jobs {
		// 状态守卫更新,多个消费者并发晋升同一个任务时只有一个会成功
		waiting := JobStatusWaiting
		err := c.repo.UpdateQueueJob(ctx, &UpdateQueueJobParams{
			Where: &UpdateQueueJobWhere{
				JobIDIn:  []string{job.ID},
				StatusIn: []string{JobStatusDelayed},
			},
			Fields:   &UpdateQueueJobField{Status: &waiting},
			LimitMax: 1,
		})
		if err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("[Consumer.promoteDueJobs] update failed, jobID: %s, err: %v", job.ID, err))
			continue
		}
		key := streamKey(c.cfg.QueueName, job.Shard)
		if job.Priority > 0 {
			key = priorityStreamKey(c.cfg.QueueName, job.Shard)
		}
		if _, err := c.stream.Append(ctx, key, map[string]any{
			"job_id":       job.ID,
			"group_id":     job.GroupID,
			"payload":      string(job.Payload),
			"priority":     job.Priority,
			"max_attempts": job.MaxAttempts,
		}); err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("[Consumer.promoteDueJobs] append failed, jobID: %s, err: %v", job.ID, err))
		}
	}
	return nil
}

func decodeMessage(queueName string, values map[string]any) *Message {
	msg := &Message{QueueName: queueName}
	if v, ok := values["job_id"].(string); ok {
		msg.ID = v
	}
	if v, ok := values["group_id"].(string); ok {
		msg.GroupID = v
	}
	if v, ok := values["payload"].(string); ok {
		msg.Payload = []byte(v)
	}
	switch v := values["priority"].(type) {
	case int64:
		msg.Priority = v
	case string:
		fmt.Sscanf(v, "%d", &msg.Priority)
	}
	switch v := values["max_attempts"].(type) {
	case int64:
		msg.MaxAttempts = v
	case string:
		fmt.Sscanf(v, "%d", &msg.MaxAttempts)
	}
	return msg
}

func (c *Consumer) processEntry(ctx context.Context, key string, entry StreamEntry, consumerName string) {
	msg := decodeMessage(c.cfg.QueueName, entry.Values)
	if msg.ID == "" {
		// 结构不对的消息直接确认丢弃,不能堵住队列
		slog.WarnContext(ctx, fmt.Sprintf("[Consumer.processEntry] malformed entry, stream: %s, entryID: %s", key, entry.ID))
		_ = c.stream.Ack(ctx, key, c.cfg.Group, entry.ID)
		return
	}

	jobs, err := c.repo.QueryQueueJob(ctx, &QueryQueueJobParams{
		JobID: &msg.ID,
		Page:  &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[Consumer.processEntry] query job failed, jobID: %s, err: %v", msg.ID, err))
		return
	}
	if len(jobs) == 0 {
		// 任务已经归档,说明是重复投递,确认即可
		_ = c.stream.Ack(ctx, key, c.cfg.Group, entry.ID)
		return
	}
	job := jobs[0]
	if job.Status == JobStatusPaused {
		// 暂停的任务不处理也不确认,恢复后靠认领机制重新投递
		return
	}
	msg.Attempts = job.Attempts
	msg.MaxAttempts = job.MaxAttempts

	executing := JobStatusExecuting
	lockedUntil := time.Now().Add(c.cfg.VisibilityTimeout).UnixMilli()
	err = c.repo.UpdateQueueJob(ctx, &UpdateQueueJobParams{
		Where: &UpdateQueueJobWhere{JobIDIn: []string{job.ID}},
		Fields: &UpdateQueueJobField{
			Status:      &executing,
			LockedBy:    &consumerName,
			LockedUntil: &lockedUntil,
		},
		LimitMax: 1,
	})
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[Consumer.processEntry] mark executing failed, jobID: %s, err: %v", job.ID, err))
	}

	handlerErr := c.runHandler(ctx, msg)
	if handlerErr == nil {
		if err := c.stream.Ack(ctx, key, c.cfg.Group, entry.ID); err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("[Consumer.processEntry] ack failed, jobID: %s, err: %v", job.ID, err))
		}
		if err := c.repo.ArchiveQueueJob(ctx, job.ID, JobStatusCompleted, ""); err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("[Consumer.processEntry] archive failed, jobID: %s, err: %v", job.ID, err))
		}
		return
	}

	c.handleFailure(ctx, key, entry, job, msg, handlerErr)
}

// runHandler 业务handler的panic不能把worker搞挂,转成error走失败路径
func (c *Consumer) runHandler(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v, jobID: %s", r, msg.ID)
		}
	}()
	return c.handler(ctx, msg)
}

func (c *Consumer) handleFailure(ctx context.Context, key string, entry StreamEntry, job *QueueJobPo, msg *Message, handlerErr error) {
	attempts := job.Attempts + 1
	if attempts < job.MaxAttempts && c.shouldRetry(msg, handlerErr) {
		// 原始条目确认掉,重投靠延迟晋升,不靠stream重复投递
		if err := c.stream.Ack(ctx, key, c.cfg.Group, entry.ID); err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("[Consumer.handleFailure] ack failed, jobID: %s, err: %v", job.ID, err))
		}
		delayed := JobStatusDelayed
		delayUntil := time.Now().Add(c.backoff.GetDelay(int(attempts))).UnixMilli()
		err := c.repo.UpdateQueueJob(ctx, &UpdateQueueJobParams{
			Where: &UpdateQueueJobWhere{JobIDIn: []string{job.ID}},
			Fields: &UpdateQueueJobField{
				Status:     &delayed,
				Attempts:   &attempts,
				DelayUntil: &delayUntil,
			},
			LimitMax: 1,
		})
		if err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("[Consumer.handleFailure] schedule retry failed, jobID: %s, err: %v", job.ID, err))
		}
		return
	}

	// 重试耗尽,进死信
	if err := c.stream.Ack(ctx, key, c.cfg.Group, entry.ID); err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[Consumer.handleFailure] ack failed, jobID: %s, err: %v", job.ID, err))
	}
	deadErr := errors.WithMessagef(ErrDeadLettered, "jobID: %s, attempts: %d, err: %v", job.ID, attempts, handlerErr)
	if _, err := c.stream.Append(ctx, deadLetterStreamKey(c.cfg.QueueName), map[string]any{
		"job_id":   job.ID,
		"group_id": job.GroupID,
		"payload":  string(job.Payload),
		"error":    handlerErr.Error(),
		"attempts": attempts,
	}); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[Consumer.handleFailure] dead letter append failed, jobID: %s, err: %v", job.ID, err))
	}
	if err := c.repo.ArchiveQueueJob(ctx, job.ID, JobStatusFailed, deadErr.Error()); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[Consumer.handleFailure] archive failed, jobID: %s, err: %v", job.ID, err))
	}
}

// TrimStreams 维护入口: 按长度或者时间裁剪所有分片的stream
func (c *Consumer) TrimStreams(ctx context.Context, maxLen int64, maxAge time.Duration) error {
	for _, key := range c.orderedStreams() {
		if err := c.stream.Trim(ctx, key, maxLen, maxAge); err != nil {
			return errors.WithMessagef(err, "TrimStreams failed, stream: %s", key)
		}
	}
	return nil
}
