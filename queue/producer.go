package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New()

type SendOptions struct {
	GroupID     string // 有序子序列key,相同GroupID永远路由到同一个分片
	Priority    int64  // >0 走优先级stream
	MaxAttempts int64  // 0使用Producer配置的默认值
}

type SendResult struct {
	JobID    string
	Shard    string
	StreamID string
}

type ProducerConfig struct {
	QueueName string   `validate:"required"`
	Shards    []string `validate:"required,min=1"`
	// 一致性哈希虚拟节点数量,0使用默认值
	VirtualNodes int
	// 缓冲达到该大小立即flush
	BatchMaxSize int
	// 时间兜底flush,保证低吞吐下有界的投递延迟
	BatchFlushInterval time.Duration
	DefaultMaxAttempts int64
}

func (c *ProducerConfig) fillDefaults() {
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = 50
	}
	if c.BatchFlushInterval <= 0 {
		c.BatchFlushInterval = 200 * time.Millisecond
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
}

// bufferedSend 缓冲里的一条待发送消息
// flush失败会把整个批次重新放回缓冲,每一步做过的事情打标记,重试时跳过
type bufferedSend struct {
	job        *QueueJobPo
	jobCreated bool
	appended   bool
}

type Producer struct {
	cfg    *ProducerConfig
	ring   *HashRing
	stream Stream
	repo   QueueRepo

	mu     sync.Mutex
	buffer []*bufferedSend
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewProducer(cfg *ProducerConfig, stream Stream, repo QueueRepo) (*Producer, error) {
	if cfg == nil {
		return nil, errors.Wrap(ErrQueueParamInvalid, "nil ProducerConfig")
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.Wrapf(ErrQueueParamInvalid, "NewProducer failed, cfg: %v, err: %v", cfg, err)
	}
	cfg.fillDefaults()
	p := &Producer{
		cfg:    cfg,
		ring:   NewHashRing(cfg.Shards, cfg.VirtualNodes),
		stream: stream,
		repo:   repo,
		buffer: make([]*bufferedSend, 0),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.flushLoop()
	return p, nil
}

func (p *Producer) buildJob(payload []byte, opts *SendOptions) *QueueJobPo {
	if opts == nil {
		opts = &SendOptions{}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.DefaultMaxAttempts
	}
	id := uuid.NewString()
	// 路由key: 有GroupID用GroupID,保证同组消息的分片内有序;没有就用消息id打散
	routeKey := opts.GroupID
	if routeKey == "" {
		routeKey = id
	}
	return &QueueJobPo{
		ID:          id,
		QueueName:   p.cfg.QueueName,
		GroupID:     opts.GroupID,
		Shard:       p.ring.GetShard(routeKey),
		Payload:     payload,
		Status:      JobStatusWaiting,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
	}
}

func (p *Producer) appendJob(ctx context.Context, job *QueueJobPo) (string, error) {
	key := streamKey(p.cfg.QueueName, job.Shard)
	if job.Priority > 0 {
		key = priorityStreamKey(p.cfg.QueueName, job.Shard)
	}
	return p.stream.Append(ctx, key, map[string]any{
		"job_id":       job.ID,
		"group_id":     job.GroupID,
		"payload":      string(job.Payload),
		"priority":     job.Priority,
		"max_attempts": job.MaxAttempts,
	})
}

// Send 直接发送一条消息,不走缓冲
func (p *Producer) Send(ctx context.Context, payload []byte, opts *SendOptions) (*SendResult, error) {
	if p.isClosed() {
		return nil, errors.WithMessage(ErrProducerClosed, "Send failed")
	}
	job := p.buildJob(payload, opts)
	if _, err := p.repo.CreateQueueJob(ctx, job); err != nil {
		return nil, errors.WithMessagef(err, "Send create job failed, queue: %s", p.cfg.QueueName)
	}
	streamID, err := p.appendJob(ctx, job)
	if err != nil {
		return nil, errors.WithMessagef(err, "Send append failed, queue: %s, jobID: %s", p.cfg.QueueName, job.ID)
	}
	return &SendResult{JobID: job.ID, Shard: job.Shard, StreamID: streamID}, nil
}

// SendPriority 发送高优先级消息,消费端优先读取
func (p *Producer) SendPriority(ctx context.Context, payload []byte, priority int64, opts *SendOptions) (*SendResult, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	if priority <= 0 {
		priority = 1
	}
	opts.Priority = priority
	return p.Send(ctx, payload, opts)
}

// SendDelayed 延迟投递: 任务先落库为delayed状态,不追加到stream,
// 到点后由消费端的晋升循环重新入队
func (p *Producer) SendDelayed(ctx context.Context, payload []byte, delay time.Duration, opts *SendOptions) (*SendResult, error) {
	if p.isClosed() {
		return nil, errors.WithMessage(ErrProducerClosed, "SendDelayed failed")
	}
	if delay < 0 {
		delay = 0
	}
	job := p.buildJob(payload, opts)
	job.Status = JobStatusDelayed
	job.DelayUntil = time.Now().Add(delay).UnixMilli()
	if _, err := p.repo.CreateQueueJob(ctx, job); err != nil {
		return nil, errors.WithMessagef(err, "SendDelayed create job failed, queue: %s", p.cfg.QueueName)
	}
	return &SendResult{JobID: job.ID, Shard: job.Shard}, nil
}

// SendBatch 批量发送,消息先进缓冲,达到大小阈值或者时间阈值后整批flush
func (p *Producer) SendBatch(ctx context.Context, payloads [][]byte, opts *SendOptions) ([]string, error) {
	if p.isClosed() {
		return nil, errors.WithMessage(ErrProducerClosed, "SendBatch failed")
	}
	jobIDs := make([]string, 0, len(payloads))
	p.mu.Lock()
	for _, payload := range payloads {
		job := p.buildJob(payload, opts)
		p.buffer = append(p.buffer, &bufferedSend{job: job})
		jobIDs = append(jobIDs, job.ID)
	}
	needFlush := len(p.buffer) >= p.cfg.BatchMaxSize
	p.mu.Unlock()
	if needFlush {
		if err := p.Flush(ctx); err != nil {
			return jobIDs, errors.WithMessage(err, "SendBatch flush failed")
		}
	}
	return jobIDs, nil
}

// Flush 把缓冲里的消息整批落库并入队
// 任何一步失败都会把整个批次放回缓冲重试,不会部分应用
func (p *Producer) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = make([]*bufferedSend, 0)
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := p.flushBatch(ctx, batch)
	if err != nil {
		// 整批放回缓冲头部,保持顺序
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		p.mu.Unlock()
		return errors.WithMessage(err, "Flush failed, batch requeued")
	}
	return nil
}

func (p *Producer) flushBatch(ctx context.Context, batch []*bufferedSend) error {
	toCreate := make([]*QueueJobPo, 0, len(batch))
	for _, item := range batch {
		if !item.jobCreated {
			toCreate = append(toCreate, item.job)
		}
	}
	if len(toCreate) > 0 {
		if err := p.repo.CreateQueueJobs(ctx, toCreate); err != nil {
			return errors.WithMessage(err, "flushBatch create jobs failed")
		}
		for _, item := range batch {
			item.jobCreated = true
		}
	}
	for _, item := range batch {
		if item.appended {
			continue
		}
		if _, err := p.appendJob(ctx, item.job); err != nil {
			return errors.WithMessagef(err, "flushBatch append failed, jobID: %s", item.job.ID)
		}
		item.appended = true
	}
	return nil
}

func (p *Producer) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.BatchFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Flush(context.Background()); err != nil {
				slog.Warn(fmt.Sprintf("[Producer.flushLoop] flush failed, queue: %s, err: %v", p.cfg.QueueName, err))
			}
		}
	}
}

func (p *Producer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close 停止后台flush并把残留缓冲发送出去
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stopCh)
	p.wg.Wait()
	return p.Flush(context.Background())
}
