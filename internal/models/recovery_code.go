package models

import (
	"time"

	"github.com/google/uuid"
)

type RecoveryCode struct {
	BaseModel
	UserID   uuid.UUID  `json:"userID" gorm:"type:uuid;index;not null"`
	CodeHash string     `json:"-" gorm:"type:text;not null"`
	UsedAt   *time.Time `json:"usedAt,omitempty"`
	User     User       `json:"-" gorm:"foreignKey:UserID"`
}
