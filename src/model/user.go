package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	Username        string          `gorm:"size:60;not null;uniqueIndex" json:"username"`
	Email           string          `gorm:"size:120" json:"email,omitempty"`
	Password        string          `gorm:"type:text" json:"-"`
	Rating          decimal.Decimal `gorm:"type:numeric(4,2);not null;default:5" json:"rating"`
	CompletedTrades int             `gorm:"not null;default:0" json:"completed_trades"`
	DisputesLost    int             `gorm:"not null;default:0" json:"disputes_lost"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

type UpdatePasswordPayload struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}
