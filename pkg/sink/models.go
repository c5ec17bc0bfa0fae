package sink

import (
	"time"
)

// RunResult is the persisted record for one finalized test run. Statistics
// and resource usage are stored as JSON documents so schema changes in the
// aggregator do not require migrations.
type RunResult struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	RunID      string     `gorm:"uniqueIndex;not null" json:"run_id"`
	Target     string     `gorm:"not null" json:"target"`
	Status     string     `gorm:"not null" json:"status"`
	Error      string     `json:"error,omitempty"`
	Degraded   bool       `json:"degraded"`
	Statistics string     `gorm:"type:text" json:"-"`
	Resources  string     `gorm:"type:text" json:"-"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
