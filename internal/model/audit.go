package model

import "time"

// AuditReport is one auditor's verification pass over a location.
type AuditReport struct {
	ID          int64      `json:"id"`
	LocationID  int64      `json:"location_id"`
	AuditorID   int64      `json:"auditor_id"`
	State       string     `json:"state"`
	ReviewNotes string     `json:"review_notes,omitempty"`
	ReviewedBy  *int64     `json:"reviewed_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	Version     int64      `json:"version"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Audit report states.
const (
	ReportDraft     = "draft"
	ReportSubmitted = "submitted"
	ReportApproved  = "approved"
	ReportRejected  = "rejected"
)

// ReportOpen reports whether a report in state holds its location lock.
func ReportOpen(state string) bool {
	return state == ReportDraft || state == ReportSubmitted
}

// ReportPayload creates an audit report.
type ReportPayload struct {
	LocationID int64 `json:"location_id"`
}

// ReviewPayload carries reviewer notes for approve and reject.
type ReviewPayload struct {
	Notes string `json:"notes,omitempty"`
}

// AuditFinding is the recorded state of one item within a report.
type AuditFinding struct {
	ID           int64             `json:"id"`
	ReportID     int64             `json:"report_id"`
	ItemID       int64             `json:"item_id"`
	Status       string            `json:"status"`
	Condition    string            `json:"condition,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Latitude     *float64          `json:"latitude,omitempty"`
	Longitude    *float64          `json:"longitude,omitempty"`
	Accuracy     *float64          `json:"accuracy,omitempty"`
	CustomValues map[string]string `json:"custom_values,omitempty"`
	PhotoHandles []string          `json:"photo_handles,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// FindingPayload is the mutable part of a finding sent by devices. Photos are
// referenced by opaque handles into the external object store.
type FindingPayload struct {
	ReportID     int64             `json:"report_id"`
	ItemID       int64             `json:"item_id"`
	Status       string            `json:"status"`
	Condition    string            `json:"condition,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Latitude     *float64          `json:"latitude,omitempty"`
	Longitude    *float64          `json:"longitude,omitempty"`
	Accuracy     *float64          `json:"accuracy,omitempty"`
	CustomValues map[string]string `json:"custom_values,omitempty"`
	PhotoHandles []string          `json:"photo_handles,omitempty"`
}

// Finding statuses.
const (
	FindingFound     = "found"
	FindingNotFound  = "not_found"
	FindingRelocated = "relocated"
	FindingDamaged   = "damaged"
	FindingDisposed  = "disposed"
)

// Item conditions.
const (
	ConditionGood          = "good"
	ConditionFair          = "fair"
	ConditionPoor          = "poor"
	ConditionNonFunctional = "non_functional"
)

// ValidFindingStatus reports whether s is a known finding status.
func ValidFindingStatus(s string) bool {
	switch s {
	case FindingFound, FindingNotFound, FindingRelocated, FindingDamaged, FindingDisposed:
		return true
	}
	return false
}

// ValidCondition reports whether c is empty or a known condition.
func ValidCondition(c string) bool {
	switch c {
	case "", ConditionGood, ConditionFair, ConditionPoor, ConditionNonFunctional:
		return true
	}
	return false
}
