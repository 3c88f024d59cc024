package store

import (
	"time"
)

// Prediction sources recorded with each row.
const (
	SourceForm   = "form"
	SourceAPI    = "api"
	SourceStream = "stream"
)

// Prediction is one served classification, persisted for the history endpoint.
type Prediction struct {
	ID               uint   `gorm:"primaryKey"`
	RequestID        string `gorm:"size:64;uniqueIndex"`
	Source           string `gorm:"size:16;index"`
	Text             string `gorm:"type:text"`
	Label            string `gorm:"size:16;index"`
	Tokens           int
	ProcessingTimeMs int64
	CreatedAt        time.Time `gorm:"autoCreateTime;index"`
}

// LabelCount is the number of predictions that produced a label.
type LabelCount struct {
	Label string
	Total int64
}
