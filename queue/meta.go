// Package queue 提供持久化的消息分发: 批量发送、优先级、延迟投递、
// 一致性哈希分片路由,以及带消费组语义的at-least-once消费。
package queue

import "github.com/pkg/errors"

var (
	ErrQueueParamInvalid = errors.New("queue param invalid")
	ErrProducerClosed    = errors.New("producer closed")
	// ErrDeadLettered 消息重试次数耗尽,进入死信
	ErrDeadLettered = errors.New("message dead lettered")
)

// JobStatus 队列任务状态
type JobStatus = string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusExecuting JobStatus = "executing"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusPaused    JobStatus = "paused"
	JobStatusFailed    JobStatus = "failed"
	// 完成状态只存在于归档表里
	JobStatusCompleted JobStatus = "completed"
)

func IsOverJobStatus(status JobStatus) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

func GetJobStatusText(status JobStatus) string {
	switch status {
	case JobStatusWaiting:
		return "等待中"
	case JobStatusExecuting:
		return "执行中"
	case JobStatusDelayed:
		return "延迟中"
	case JobStatusPaused:
		return "暂停"
	case JobStatusFailed:
		return "失败"
	case JobStatusCompleted:
		return "完成"
	}
	return "未知"
}

// Message 投递给消费者的消息视图
type Message struct {
	ID          string // 任务id
	QueueName   string
	GroupID     string // 有序子序列key,相同GroupID的消息路由到同一个分片
	Payload     []byte
	Priority    int64
	Attempts    int64 // 已经尝试的次数,含本次之前的
	MaxAttempts int64
}
