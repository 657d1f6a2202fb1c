package queue

import (
	"context"
)

type QueueRepo interface {
	CreateQueueJob(ctx context.Context, job *QueueJobPo) (*QueueJobPo, error)
	CreateQueueJobs(ctx context.Context, jobs []*QueueJobPo) error
	QueryQueueJob(ctx context.Context, param *QueryQueueJobParams) ([]*QueueJobPo, error)
	UpdateQueueJob(ctx context.Context, param *UpdateQueueJobParams) error
	// ArchiveQueueJob 任务到达终态后从running表挪到归档表,挪动是一个事务
	ArchiveQueueJob(ctx context.Context, jobID string, finalStatus JobStatus, errorMessage string) error
	QueryQueueJobArchive(ctx context.Context, param *QueryQueueJobParams) ([]*QueueJobArchivePo, error)
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
