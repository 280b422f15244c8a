package entities

import (
	"encoding/json"
	"github.com/google/uuid"
	"time"
)

// EditStateRecord is the stored form of an EditState. Payload holds the JSON
// document in whatever schema version it was written with.
type EditStateRecord struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primary_key"`
	SchemaVersion int             `json:"schema_version" gorm:"not null;default:1"`
	Payload       json.RawMessage `json:"payload" gorm:"type:jsonb;not null"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (EditStateRecord) TableName() string {
	return "edit_states"
}
