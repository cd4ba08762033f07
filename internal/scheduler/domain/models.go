package domain

import "time"

// Run records the last completed slot of a job. A slot is the calendar day
// for the daily sweep and the interval start for the hourly scan.
type Run struct {
	Job         string    `gorm:"primaryKey;type:text"`
	Slot        string    `gorm:"type:text;not null"`
	CompletedAt time.Time `gorm:"not null"`
}

func (Run) TableName() string { return "scheduler_runs" }
