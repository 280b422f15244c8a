package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"stitch-media/constant"
	"stitch-media/entities"
)

type JobRepository interface {
	Transaction(ctx context.Context, callback func(ctx context.Context) error, opts ...*sql.TxOptions) error
	GetDB() *gorm.DB
	FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error)
	UpdateStatusJob(ctx context.Context, status constant.JobStatus, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, reason string) error
	FindEditState(ctx context.Context, id uuid.UUID) (*entities.EditState, error)
	SaveEditState(ctx context.Context, id uuid.UUID, state *entities.EditState) error
}

type repo struct {
	db *gorm.DB
}

func (r *repo) FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error) {
	job := &entities.Job{}
	err := r.GetDB().WithContext(ctx).First(job, "id = ?", id).Error
	if err != nil {
		return nil, err
	}

	return job, nil
}

func (r *repo) UpdateStatusJob(ctx context.Context, status constant.JobStatus, id uuid.UUID) error {
	return r.GetDB().WithContext(ctx).Model(&entities.Job{}).Where("id = ?", id).Update("status", status).Error
}

func (r *repo) FailJob(ctx context.Context, id uuid.UUID, reason string) error {
	return r.GetDB().WithContext(ctx).Model(&entities.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status": constant.JobStatusFailed,
		"error":  reason,
	}).Error
}

// FindEditState loads a stored edit state and upgrades it to the current
// schema. Upgraded documents are written back so the upgrade runs once.
func (r *repo) FindEditState(ctx context.Context, id uuid.UUID) (*entities.EditState, error) {
	record := &entities.EditStateRecord{}
	if err := r.GetDB().WithContext(ctx).First(record, "id = ?", id).Error; err != nil {
		return nil, err
	}

	state, err := entities.UpgradeEditState(record.Payload)
	if err != nil {
		return nil, fmt.Errorf("edit state %s: %w", id, err)
	}

	if record.SchemaVersion != entities.EditStateVersion {
		if err := r.SaveEditState(ctx, id, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (r *repo) SaveEditState(ctx context.Context, id uuid.UUID, state *entities.EditState) error {
	state.SchemaVersion = entities.EditStateVersion
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	record := &entities.EditStateRecord{
		ID:            id,
		SchemaVersion: entities.EditStateVersion,
		Payload:       payload,
	}
	return r.GetDB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"schema_version", "payload", "updated_at"}),
	}).Create(record).Error
}

func NewRepo(db *sql.DB) JobRepository {
	gormDB, _ := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	return &repo{
		db: gormDB,
	}
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) Transaction(ctx context.Context, callback func(ctx context.Context) error, opts ...*sql.TxOptions) error {
	return r.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return callback(ctx)
	}, opts...)
}
