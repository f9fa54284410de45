package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Tier is the severity bucket assigned by the classifier.
type Tier string

const (
	TierHigh   Tier = "High"
	TierMedium Tier = "Medium"
	TierLow    Tier = "Low"
)

// Classification is the oracle's verdict for one threat. Tier and
// Confidence are always set together.
type Classification struct {
	ID                 int64      `json:"id" db:"id"`
	ThreatID           int64      `json:"threat_id" db:"threat_id"`
	Tier               Tier       `json:"tier" db:"tier"`
	Confidence         int        `json:"confidence" db:"confidence"` // 0-100
	Reasoning          string     `json:"reasoning" db:"reasoning"`
	RecommendedActions string     `json:"recommended_actions" db:"recommended_actions"`
	NextSteps          StringList `json:"next_steps" db:"next_steps"`
	Keywords           StringList `json:"keywords" db:"keywords"`
	BioSectorRelevance int        `json:"bio_sector_relevance" db:"bio_sector_relevance"` // 0-100
	Provider           string     `json:"provider" db:"provider"`
	Model              string     `json:"model" db:"model"`
	Fallback           bool       `json:"fallback" db:"fallback"` // Produced without a usable oracle answer
	ClassifiedAt       time.Time  `json:"classified_at" db:"classified_at"`
}

// StringList is stored as a JSON array in a text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported type for StringList: %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}
