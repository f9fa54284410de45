package models

import "time"

// Source identifies one of the upstream threat feeds.
type Source string

const (
	SourceOTX     Source = "AlienVault_OTX"
	SourceNVD     Source = "NVD"
	SourceCISAKEV Source = "CISA_KEV"
)

// Sources lists every known feed in processing order.
var Sources = []Source{SourceOTX, SourceNVD, SourceCISAKEV}

// Valid reports whether s is one of the known feeds.
func (s Source) Valid() bool {
	for _, known := range Sources {
		if s == known {
			return true
		}
	}
	return false
}

// ImpactLevel is the provider-derived impact of a threat.
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "Low"
	ImpactMedium   ImpactLevel = "Medium"
	ImpactHigh     ImpactLevel = "High"
	ImpactCritical ImpactLevel = "Critical"
)

// ThreatStatus is the review lifecycle tag of a stored threat.
type ThreatStatus string

const (
	StatusPendingAI ThreatStatus = "Pending_AI"
)

// CanonicalThreat is the provider-agnostic representation of one feed item.
type CanonicalThreat struct {
	Title             string       `db:"title" json:"title"`
	Description       string       `db:"description" json:"description"`
	Category          string       `db:"category" json:"category"`
	Source            Source       `db:"source" json:"source"`
	DateObserved      time.Time    `db:"date_observed" json:"date_observed"`
	ImpactLevel       ImpactLevel  `db:"impact_level" json:"impact_level"`
	ExternalReference string       `db:"external_reference" json:"external_reference,omitempty"` // Empty when the provider has no stable id
	Status            ThreatStatus `db:"status" json:"status"`
	OriginUser        *int64       `db:"origin_user" json:"origin_user,omitempty"` // Nil for feed items
}

// StoredThreat is the subset of a persisted threat needed for deduplication.
type StoredThreat struct {
	ID                int64     `db:"id" json:"id"`
	ExternalReference string    `db:"external_reference" json:"external_reference"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}
