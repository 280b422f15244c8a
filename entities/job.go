package entities

import (
	"github.com/google/uuid"
	"stitch-media/constant"
	"time"
)

type Job struct {
	ID         uuid.UUID          `json:"id" gorm:"type:uuid;primary_key"`
	EntityId   uuid.UUID          `json:"entity_id" gorm:"type:uuid;index:idx_jobs_entity_id"`
	EntityType string             `json:"entity_type" gorm:"type:varchar(50)"`
	Status     constant.JobStatus `json:"status" gorm:"type:varchar(20);not null"`
	JobType    constant.JobType   `json:"job_type" gorm:"type:varchar(30);not null"`
	Error      *string            `json:"error" gorm:"type:text"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}
