package store

import (
	"time"
)

// Test lifecycle statuses. Only active tests are snapshotted into runs.
const (
	TestStatusActive   = "Active"
	TestStatusArchived = "Archived"
	TestStatusDeleted  = "Deleted"
)

// Run statuses.
const (
	RunStatusActive   = "Active"
	RunStatusLocked   = "Locked"
	RunStatusArchived = "Archived"
	RunStatusDeleted  = "Deleted"
)

// Membership statuses. The order is the canonical presentation order.
const (
	StatusPassed     = "Passed"
	StatusFailed     = "Failed"
	StatusUntested   = "Untested"
	StatusBlocked    = "Blocked"
	StatusRetest     = "Retest"
	StatusArchived   = "Archived"
	StatusSkipped    = "Skipped"
	StatusInProgress = "InProgress"
)

// Statuses is the fixed membership status vocabulary.
var Statuses = []string{
	StatusPassed,
	StatusFailed,
	StatusUntested,
	StatusBlocked,
	StatusRetest,
	StatusArchived,
	StatusSkipped,
	StatusInProgress,
}

// Test is a reusable test case definition owned by a project.
type Test struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	ProjectID  int64     `gorm:"not null;index" json:"project_id"`
	Title      string    `gorm:"not null" json:"title"`
	SectionID  int64     `gorm:"not null;index" json:"section_id"`
	SquadID    *int64    `gorm:"index" json:"squad_id"`
	PlatformID int64     `gorm:"not null;index" json:"platform_id"`
	Status     string    `gorm:"not null;index" json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TestLabel links a test to a label.
type TestLabel struct {
	TestID  int64 `gorm:"primaryKey;autoIncrement:false" json:"test_id"`
	LabelID int64 `gorm:"primaryKey;autoIncrement:false;index" json:"label_id"`
}

// Run is a named, frozen collection of tests for one project.
type Run struct {
	ID          int64      `gorm:"primaryKey" json:"id"`
	ProjectID   int64      `gorm:"not null;index" json:"project_id"`
	Name        string     `gorm:"not null" json:"name"`
	Description string     `json:"description"`
	Status      string     `gorm:"not null;index" json:"status"`
	CreatedBy   int64      `gorm:"not null" json:"created_by"`
	LockedBy    *int64     `json:"locked_by"`
	LockedAt    *time.Time `json:"locked_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Membership links a run to a test and carries the test's status within
// that run. Rows are never hard-deleted; removal clears IsIncluded.
type Membership struct {
	RunID      int64     `gorm:"primaryKey;autoIncrement:false" json:"run_id"`
	TestID     int64     `gorm:"primaryKey;autoIncrement:false;index" json:"test_id"`
	ProjectID  int64     `gorm:"not null;index" json:"project_id"`
	IsIncluded bool      `gorm:"not null;index" json:"is_included"`
	Status     string    `gorm:"not null;index" json:"status"`
	Comment    string    `json:"comment"`
	Version    int64     `gorm:"not null" json:"version"`
	UpdatedBy  *int64    `json:"updated_by"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName keeps the historical table name.
func (Membership) TableName() string {
	return "test_run_memberships"
}

// StatusHistory is an append-only audit record of a membership status change.
type StatusHistory struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	RunID     int64     `gorm:"not null;index:idx_history_run_test" json:"run_id"`
	TestID    int64     `gorm:"not null;index:idx_history_run_test" json:"test_id"`
	Status    string    `gorm:"not null" json:"status"`
	Comment   string    `json:"comment"`
	UpdatedBy int64     `gorm:"not null" json:"updated_by"`
	UpdatedAt time.Time `gorm:"not null;index" json:"updated_at"`
	BatchID   string    `gorm:"index" json:"batch_id"`
}

// TableName keeps the historical table name.
func (StatusHistory) TableName() string {
	return "status_history"
}

// StatusUpdate is one membership status write within a bulk update.
type StatusUpdate struct {
	TestID  int64
	Status  string
	Comment string
}

// StatusCount is one row of a per-status aggregation.
type StatusCount struct {
	Status string
	Count  int64
}

// SquadStatusCount is one row of a per-(squad, status) aggregation.
// SquadID is nil for tests without a squad.
type SquadStatusCount struct {
	SquadID *int64
	Status  string
	Count   int64
}

// MembershipFilter narrows membership queries. A nil TestIDs does not
// restrict by test.
type MembershipFilter struct {
	TestIDs         []int64
	Statuses        []string
	IncludeExcluded bool
}
