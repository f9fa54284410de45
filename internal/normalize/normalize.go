// Package normalize maps provider payloads onto the canonical threat record.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"threatsync/internal/feeds"
	"threatsync/internal/models"
)

const (
	CategoryMalware       = "Malware"
	CategoryVulnerability = "Vulnerability"
	CategoryKEV           = "Known Exploited Vulnerability"
)

// Provider date layouts, tried in order.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // OTX and NVD omit the zone
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Normalizer converts payloads. Now is used for dates that cannot be
// parsed; tests pin it.
type Normalizer struct {
	Now func() time.Time
}

// New returns a Normalizer using the wall clock.
func New() *Normalizer {
	return &Normalizer{Now: time.Now}
}

// Normalize converts a payload into canonical records, preserving provider
// order. Items without an identifying title are dropped.
func (n *Normalizer) Normalize(payload feeds.Payload) []models.CanonicalThreat {
	switch p := payload.(type) {
	case *feeds.OTXPayload:
		return n.otx(p)
	case *feeds.NVDPayload:
		return n.nvd(p)
	case *feeds.KEVPayload:
		return n.kev(p)
	default:
		return nil
	}
}

func (n *Normalizer) otx(p *feeds.OTXPayload) []models.CanonicalThreat {
	out := make([]models.CanonicalThreat, 0, len(p.Results))
	for _, pulse := range p.Results {
		title := strings.TrimSpace(pulse.Name)
		if title == "" {
			continue
		}

		t := n.base(models.SourceOTX, title, pulse.Description, CategoryMalware, pulse.Created)
		t.ImpactLevel = models.ImpactMedium
		if pulse.ID != "" {
			t.ExternalReference = "OTX-" + pulse.ID
		}
		out = append(out, t)
	}
	return out
}

func (n *Normalizer) nvd(p *feeds.NVDPayload) []models.CanonicalThreat {
	out := make([]models.CanonicalThreat, 0, len(p.Vulnerabilities))
	for _, v := range p.Vulnerabilities {
		id := strings.TrimSpace(v.CVE.ID)
		if id == "" {
			continue
		}

		t := n.base(models.SourceNVD, id, englishDescription(v.CVE.Descriptions), CategoryVulnerability, v.CVE.Published)
		t.ImpactLevel = ImpactFromScore(BaseScore(v.CVE.Metrics))
		t.ExternalReference = "NVD-" + id
		out = append(out, t)
	}
	return out
}

func (n *Normalizer) kev(p *feeds.KEVPayload) []models.CanonicalThreat {
	out := make([]models.CanonicalThreat, 0, len(p.Vulnerabilities))
	for _, e := range p.Vulnerabilities {
		cve := strings.TrimSpace(e.CVEID)
		if cve == "" {
			continue
		}

		title := strings.TrimSpace(e.VulnerabilityName)
		if title == "" {
			title = strings.TrimSpace(fmt.Sprintf("%s %s (%s)", e.VendorProject, e.Product, cve))
		}

		description := e.ShortDescription
		if e.RequiredAction != "" {
			description = strings.TrimSpace(description + "\nRequired action: " + e.RequiredAction)
		}

		t := n.base(models.SourceCISAKEV, title, description, CategoryKEV, e.DateAdded)
		t.ImpactLevel = models.ImpactHigh
		if strings.EqualFold(strings.TrimSpace(e.KnownRansomwareCampaignUse), "Known") {
			t.ImpactLevel = models.ImpactCritical
		}
		t.ExternalReference = "CISA-KEV-" + cve
		out = append(out, t)
	}
	return out
}

func (n *Normalizer) base(source models.Source, title, description, category, date string) models.CanonicalThreat {
	return models.CanonicalThreat{
		Title:        title,
		Description:  strings.TrimSpace(description),
		Category:     category,
		Source:       source,
		DateObserved: n.parseDate(date),
		Status:       models.StatusPendingAI,
	}
}

func (n *Normalizer) parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return n.Now().UTC()
}

// englishDescription prefers the "en" entry and falls back to the first.
func englishDescription(descriptions []feeds.NVDDescription) string {
	for _, d := range descriptions {
		if strings.EqualFold(d.Lang, "en") {
			return d.Value
		}
	}
	if len(descriptions) > 0 {
		return descriptions[0].Value
	}
	return ""
}

// BaseScore returns the first available CVSS base score, preferring v3.1
// over v3.0 over v2. It returns 0 when the CVE has not been scored.
func BaseScore(m feeds.NVDMetrics) float64 {
	for _, metrics := range [][]feeds.NVDCVSSMetric{m.CVSSMetricV31, m.CVSSMetricV30, m.CVSSMetricV2} {
		if len(metrics) > 0 {
			return metrics[0].CVSSData.BaseScore
		}
	}
	return 0
}

// ImpactFromScore maps a CVSS base score to an impact level.
func ImpactFromScore(score float64) models.ImpactLevel {
	switch {
	case score >= 9.0:
		return models.ImpactCritical
	case score >= 7.0:
		return models.ImpactHigh
	case score >= 4.0:
		return models.ImpactMedium
	default:
		return models.ImpactLow
	}
}
