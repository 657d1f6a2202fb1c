package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// QueueJobPo 运行中的队列任务,生命周期结束后挪到归档表
type QueueJobPo struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	QueueName   string    `gorm:"column:queue_name" json:"queue_name"`
	GroupID     string    `gorm:"column:group_id" json:"group_id"`
	Shard       string    `gorm:"column:shard" json:"shard"`
	Payload     []byte    `gorm:"column:payload" json:"payload"`
	Status      JobStatus `gorm:"column:status" json:"status"`
	Priority    int64     `gorm:"column:priority" json:"priority"`
	Attempts    int64     `gorm:"column:attempts" json:"attempts"`
	MaxAttempts int64     `gorm:"column:max_attempts" json:"max_attempts"`
	DelayUntil  int64     `gorm:"column:delay_until" json:"delay_until"` // 毫秒,delayed状态的任务到点后重新入队
	LockedBy    string    `gorm:"column:locked_by" json:"locked_by"`
	LockedUntil int64     `gorm:"column:locked_until" json:"locked_until"` // 毫秒
	CreatedAt   int64     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   int64     `gorm:"column:updated_at" json:"updated_at"`
}

func (QueueJobPo) TableName() string {
	return "queue_job_running"
}

// QueueJobArchivePo 归档表,按生命周期切分,避免running表膨胀
type QueueJobArchivePo struct {
	ID           string    `gorm:"column:id;primaryKey"`
	QueueName    string    `gorm:"column:queue_name"`
	GroupID      string    `gorm:"column:group_id"`
	Shard        string    `gorm:"column:shard"`
	Payload      []byte    `gorm:"column:payload"`
	Status       JobStatus `gorm:"column:status"`
	Priority     int64     `gorm:"column:priority"`
	Attempts     int64     `gorm:"column:attempts"`
	MaxAttempts  int64     `gorm:"column:max_attempts"`
	ErrorMessage string    `gorm:"column:error_message"`
	CreatedAt    int64     `gorm:"column:created_at"`
	ArchivedAt   int64     `gorm:"column:archived_at"`
}

func (QueueJobArchivePo) TableName() string {
	return "queue_job_archive"
}

type Pager struct {
	Page int64 `json:"page"`
	Size int64 `json:"size"`
}

type QueryQueueJobParams struct {
	JobID            *string  `json:"job_id"`
	JobIDIn          []string `json:"job_id_in"`
	QueueName        *string  `json:"queue_name"`
	StatusIn         []string `json:"status_in"`
	DelayUntilBefore *int64   `json:"delay_until_before"`
	OrderbyIDAsc     *bool    `json:"orderby_id_asc"`
	Page             *Pager   `json:"page"`
}

type UpdateQueueJobParams struct {
	Where    *UpdateQueueJobWhere `json:"where" validate:"required"`
	Fields   *UpdateQueueJobField `json:"field" validate:"required"`
	LimitMax int                  `json:"limit_max" validate:"required"`
}

type UpdateQueueJobWhere struct {
	JobIDIn  []string `json:"job_id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateQueueJobField struct {
	Status      *JobStatus `json:"status"`
	Attempts    *int64     `json:"attempts"`
	DelayUntil  *int64     `json:"delay_until"`
	LockedBy    *string    `json:"locked_by"`
	LockedUntil *int64     `json:"locked_until"`
}

type queueRepo struct {
	db *gorm.DB
}

func NewQueueRepo(db *gorm.DB) QueueRepo {
	return &queueRepo{db: db}
}

func (r *queueRepo) CreateQueueJob(ctx context.Context, job *QueueJobPo) (*QueueJobPo, error) {
	if job == nil {
		return nil, fmt.Errorf("nil QueueJobPo")
	}
	job.CreatedAt = time.Now().Unix()
	job.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(job).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateQueueJob failed")
	}
	return job, nil
}

func (r *queueRepo) CreateQueueJobs(ctx context.Context, jobs []*QueueJobPo) error {
	if len(jobs) == 0 {
		return nil
	}
	now := time.Now().Unix()
	for _, job := range jobs {
		job.CreatedAt = now
		job.UpdatedAt = now
	}
	if err := r.GetDBWithContext(ctx).Create(jobs).Error; err != nil {
		return errors.WithMessage(err, "CreateQueueJobs failed")
	}
	return nil
}

func buildQueryQueueJobParams(db *gorm.DB, param *QueryQueueJobParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryQueueJobParams")
	}
	if param.JobID != nil {
		db = db.Where("id = ?", param.JobID)
	}
	if len(param.JobIDIn) != 0 {
		db = db.Where("id IN ?", param.JobIDIn)
	}
	if param.QueueName != nil {
		db = db.Where("queue_name = ?", param.QueueName)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.DelayUntilBefore != nil {
		db = db.Where("delay_until <= ?", param.DelayUntilBefore)
	}
	if param.OrderbyIDAsc != nil {
		if *param.OrderbyIDAsc {
			db = db.Order("created_at asc")
		} else {
			db = db.Order("created_at desc")
		}
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *queueRepo) QueryQueueJob(ctx context.Context, param *QueryQueueJobParams) ([]*QueueJobPo, error) {
	db := r.GetDBWithContext(ctx).Model(&QueueJobPo{})
	db, err := buildQueryQueueJobParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryQueueJobParams failed")
	}
	pos := make([]*QueueJobPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryQueueJob failed")
	}
	return pos, nil
}

func (r *queueRepo) QueryQueueJobArchive(ctx context.Context, param *QueryQueueJobParams) ([]*QueueJobArchivePo, error) {
	db := r.GetDBWithContext(ctx).Model(&QueueJobArchivePo{})
	db, err := buildQueryQueueJobParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryQueueJobParams failed")
	}
	pos := make([]*QueueJobArchivePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryQueueJobArchive failed")
	}
	return pos, nil
}

func buildUpdateQueueJobParams(db *gorm.DB, param *UpdateQueueJobParams) (*gorm.DB, error) {
	isHasWhere := false
	if param == nil {
		return nil, errors.New("nil UpdateQueueJobParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.JobIDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.JobIDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return db, errors.New("update queue job need where condition, please check")
	}
	return db, nil
}

func buildUpdateQueueJobFields(fields *UpdateQueueJobField) (map[string]any, error) {
	updateFields := make(map[string]interface{})
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Attempts != nil {
		updateFields["attempts"] = *fields.Attempts
	}
	if fields.DelayUntil != nil {
		updateFields["delay_until"] = *fields.DelayUntil
	}
	if fields.LockedBy != nil {
		updateFields["locked_by"] = *fields.LockedBy
	}
	if fields.LockedUntil != nil {
		updateFields["locked_until"] = *fields.LockedUntil
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *queueRepo) UpdateQueueJob(ctx context.Context, param *UpdateQueueJobParams) error {
	if param == nil {
		return fmt.Errorf("nil UpdateQueueJobParams")
	}
	db := r.GetDBWithContext(ctx).Model(&QueueJobPo{})
	db, err := buildUpdateQueueJobParams(db, param)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateQueueJobParams failed")
	}
	updateFields, err := buildUpdateQueueJobFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateQueueJobFields failed")
	}
	if err := db.Updates(updateFields).Limit(param.LimitMax).Error; err != nil {
		return errors.WithMessage(err, "UpdateQueueJob failed")
	}
	return nil
}

func (r *queueRepo) ArchiveQueueJob(ctx context.Context, jobID string, finalStatus JobStatus, errorMessage string) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		db := r.GetDBWithContext(ctx)
		job := &QueueJobPo{}
		result := db.Where("id = ?", jobID).Limit(1).Find(job)
		if result.Error != nil {
			return errors.WithMessagef(result.Error, "ArchiveQueueJob query failed, jobID: %s", jobID)
		}
		if result.RowsAffected == 0 {
			// 任务不存在,可能已经被归档过了,幂等处理
			return nil
		}
		archive := &QueueJobArchivePo{
			ID:           job.ID,
			QueueName:    job.QueueName,
			GroupID:      job.GroupID,
			Shard:        job.Shard,
			Payload:      job.Payload,
			Status:       finalStatus,
			Priority:     job.Priority,
			Attempts:     job.Attempts,
			MaxAttempts:  job.MaxAttempts,
			ErrorMessage: errorMessage,
			CreatedAt:    job.CreatedAt,
			ArchivedAt:   time.Now().Unix(),
		}
		if err := db.Create(archive).Error; err != nil {
			return errors.WithMessagef(err, "ArchiveQueueJob create archive failed, jobID: %s", jobID)
		}
		if err := db.Delete(&QueueJobPo{}, "id = ?", jobID).Error; err != nil {
			return errors.WithMessagef(err, "ArchiveQueueJob delete running failed, jobID: %s", jobID)
		}
		return nil
	})
}

type contextKey string

const (
	transactionContextKey contextKey = "queue_transaction"
)

func (r *queueRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *queueRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctxTX := ctx.Value(transactionContextKey)
	var err error
	if ctxTX == nil {
		tx := r.db.Begin()
		defer func() {
			if err != nil {
				tx.Rollback()
			} else {
				tx.Commit()
			}
		}()
		newCtx := context.WithValue(ctx, transactionContextKey, tx)
		err = fn(newCtx)
		return err
	}
	return fn(ctx)
}
