package models

import "time"

// AttemptModel is one persisted dispatch attempt row.
type AttemptModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	RequestID string    `gorm:"index;size:64"`
	Provider  string    `gorm:"index;size:64"`
	Model     string    `gorm:"size:128"`
	Category  string    `gorm:"size:32"`
	Stage     string    `gorm:"size:32"`
	LatencyMs float64
	Success   bool
	ErrorKind string `gorm:"size:48"`
	Streamed  bool
	InputTok  int
	OutputTok int
	CreatedAt time.Time `gorm:"index"`
}

// TableName pins the table name.
func (AttemptModel) TableName() string {
	return "attempts"
}
