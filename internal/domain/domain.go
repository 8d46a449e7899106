// Package domain holds the canonical patient/order/result model that every
// wire protocol is normalized into. See data model §3.
package domain

import "time"

// SyncStatus is the per-row outbound delivery state.
type SyncStatus string

const (
	SyncLocal    SyncStatus = "local"
	SyncSynced   SyncStatus = "synced"
	SyncPoisoned SyncStatus = "poisoned"
)

// Patient is upserted per decoded Message. At least one of ExternalID or
// InternalID must be non-empty; the Field Mapper rejects the Message
// otherwise (InvalidRecord).
type Patient struct {
	ID         int64
	ExternalID string
	InternalID string
	FullName   string
	DOB        string
	Sex        string
	Physician  string
}

// HasIdentity reports whether the patient carries an identifier the store
// can key rows on.
func (p Patient) HasIdentity() bool {
	return p.ExternalID != "" || p.InternalID != ""
}

// Order groups zero or more Results under a sample.
type Order struct {
	ID                int64
	PatientID         int64
	SampleID          string
	OrderedAt         time.Time
	UniversalServiceID string
}

// Result is a single analyte reading, belonging to exactly one Order.
type Result struct {
	ID               int64
	OrderID          int64
	AnalyzerInstance string
	TestCode         string
	Value            string
	Units            string
	ReferenceRange   string
	AbnormalFlag     string
	ObservedAt       time.Time
	SyncStatus       SyncStatus
	SyncedAt         time.Time
	CreatedAt        time.Time
	Attempts         int
}

// Record bundles a Patient/Order/their Results as the unit the Field Mapper
// hands to Persistence and the unit the Sync Engine batches for transmission.
type Record struct {
	Patient Patient
	Order   Order
	Results []Result
}
