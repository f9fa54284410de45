package normalize

import (
	"testing"
	"time"

	"threatsync/internal/feeds"
	"threatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return &Normalizer{Now: func() time.Time { return fixedNow }}
}

func nvdItem(id string, metrics feeds.NVDMetrics) feeds.NVDVulnerability {
	return feeds.NVDVulnerability{CVE: feeds.NVDCVE{
		ID:        id,
		Published: "2024-03-01T10:15:00.000",
		Descriptions: []feeds.NVDDescription{
			{Lang: "es", Value: "Desbordamiento"},
			{Lang: "en", Value: "Overflow in PLC runtime"},
		},
		Metrics: metrics,
	}}
}

func score(v float64) []feeds.NVDCVSSMetric {
	m := feeds.NVDCVSSMetric{}
	m.CVSSData.BaseScore = v
	return []feeds.NVDCVSSMetric{m}
}

func TestNormalize_OTX(t *testing.T) {
	payload := &feeds.OTXPayload{Results: []feeds.OTXPulse{
		{ID: "p1", Name: "Hospital ransomware", Description: "wave", Created: "2024-03-01T10:00:00.123456"},
		{ID: "p2", Name: "  "},
		{Name: "No id pulse", Created: "garbage"},
	}}

	out := newTestNormalizer().Normalize(payload)
	require.Len(t, out, 2)

	assert.Equal(t, "Hospital ransomware", out[0].Title)
	assert.Equal(t, CategoryMalware, out[0].Category)
	assert.Equal(t, models.ImpactMedium, out[0].ImpactLevel)
	assert.Equal(t, "OTX-p1", out[0].ExternalReference)
	assert.Equal(t, models.SourceOTX, out[0].Source)
	assert.Equal(t, models.StatusPendingAI, out[0].Status)
	assert.Nil(t, out[0].OriginUser)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC), out[0].DateObserved)

	assert.Empty(t, out[1].ExternalReference)
	assert.Equal(t, fixedNow, out[1].DateObserved)
}

func TestNormalize_NVD(t *testing.T) {
	var metrics feeds.NVDMetrics
	metrics.CVSSMetricV30 = score(7.5)
	metrics.CVSSMetricV2 = score(5.0)

	out := newTestNormalizer().Normalize(&feeds.NVDPayload{Vulnerabilities: []feeds.NVDVulnerability{
		nvdItem("CVE-2024-0001", metrics),
		nvdItem("", metrics),
	}})
	require.Len(t, out, 1)

	assert.Equal(t, "CVE-2024-0001", out[0].Title)
	assert.Equal(t, "Overflow in PLC runtime", out[0].Description)
	assert.Equal(t, CategoryVulnerability, out[0].Category)
	assert.Equal(t, models.ImpactHigh, out[0].ImpactLevel)
	assert.Equal(t, "NVD-CVE-2024-0001", out[0].ExternalReference)
}

func TestImpactFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  models.ImpactLevel
	}{
		{9.5, models.ImpactCritical},
		{9.0, models.ImpactCritical},
		{7.2, models.ImpactHigh},
		{4.5, models.ImpactMedium},
		{2.0, models.ImpactLow},
		{0, models.ImpactLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ImpactFromScore(tt.score), "score %v", tt.score)
	}
}

func TestBaseScore_PrefersNewestVersion(t *testing.T) {
	m := feeds.NVDMetrics{CVSSMetricV31: score(9.1), CVSSMetricV30: score(5.0), CVSSMetricV2: score(3.0)}
	assert.Equal(t, 9.1, BaseScore(m))

	m.CVSSMetricV31 = nil
	assert.Equal(t, 5.0, BaseScore(m))

	assert.Zero(t, BaseScore(feeds.NVDMetrics{}))
}

func TestNormalize_KEV(t *testing.T) {
	out := newTestNormalizer().Normalize(&feeds.KEVPayload{Vulnerabilities: []feeds.KEVEntry{
		{
			CVEID: "CVE-2024-1111", VendorProject: "Acme", Product: "InfusionPump",
			DateAdded: "2024-04-02", KnownRansomwareCampaignUse: "known",
			ShortDescription: "Auth bypass", RequiredAction: "Apply updates",
		},
		{CVEID: "CVE-2024-2222", VulnerabilityName: "Widget RCE", KnownRansomwareCampaignUse: "Unknown"},
		{VulnerabilityName: "Missing CVE"},
	}})
	require.Len(t, out, 2)

	assert.Equal(t, "Acme InfusionPump (CVE-2024-1111)", out[0].Title)
	assert.Equal(t, models.ImpactCritical, out[0].ImpactLevel)
	assert.Equal(t, "CISA-KEV-CVE-2024-1111", out[0].ExternalReference)
	assert.Equal(t, CategoryKEV, out[0].Category)
	assert.Equal(t, time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC), out[0].DateObserved)
	assert.Contains(t, out[0].Description, "Apply updates")

	assert.Equal(t, "Widget RCE", out[1].Title)
	assert.Equal(t, models.ImpactHigh, out[1].ImpactLevel)
}

func TestNormalize_Deterministic(t *testing.T) {
	payload := &feeds.KEVPayload{Vulnerabilities: []feeds.KEVEntry{
		{CVEID: "CVE-1", VulnerabilityName: "A", DateAdded: "not a date"},
		{CVEID: "CVE-2", VulnerabilityName: "B", DateAdded: "2024-01-01"},
	}}

	n := newTestNormalizer()
	assert.Equal(t, n.Normalize(payload), n.Normalize(payload))
}

func TestNormalize_UnknownPayload(t *testing.T) {
	assert.Empty(t, newTestNormalizer().Normalize(nil))
}

func TestFilterRelevant(t *testing.T) {
	records := []models.CanonicalThreat{
		{Title: "hospital ransomware"},
		{Title: "router firmware exploit"},
		{Title: "CVE-2024-9", Description: "Stack overflow in Modbus gateway"},
		{Title: "Acme InfusionPump (CVE-2024-1111)", Category: CategoryKEV},
	}

	out := FilterRelevant(records)
	require.Len(t, out, 3)
	assert.Equal(t, "hospital ransomware", out[0].Title)
	assert.Equal(t, "CVE-2024-9", out[1].Title)
	assert.Equal(t, "Acme InfusionPump (CVE-2024-1111)", out[2].Title)
}

func TestIsRelevant_FieldBoundaries(t *testing.T) {
	assert.False(t, IsRelevant(models.CanonicalThreat{Title: "Pa", Description: "cs viewer"}))
	assert.True(t, IsRelevant(models.CanonicalThreat{Title: "Insulin", Description: "pump firmware"}))
	assert.True(t, IsRelevant(models.CanonicalThreat{Title: "Gateway", Description: "Modbus overflow"}))
}
