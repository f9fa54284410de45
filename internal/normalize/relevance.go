package normalize

import (
	"strings"

	"threatsync/internal/models"
)

// keywords is the domain vocabulary: health, life sciences, medical
// devices and industrial control. Matching is by substring.
var keywords = []string{
	// health care
	"health", "hospital", "clinic", "patient", "medical", "medicine",
	"electronic health record", "hipaa", "telehealth", "radiology",
	"pacs", "dicom", "hl7", "fhir",
	// medical devices
	"infusion", "pacemaker", "insulin pump", "ventilator", "implant",
	"defibrillator", "patient monitor", "imaging system",
	// life sciences
	"pharma", "biotech", "life science", "vaccine", "laboratory",
	"genomic", "clinical trial", "bioinformatic", "biomedical",
	// industrial control
	"scada", "industrial control", "plc", "programmable logic controller",
	"modbus", "dnp3", "human-machine interface", "operational technology", "siemens simatic",
	"rockwell", "schneider electric",
}

// IsRelevant reports whether a record mentions the domain vocabulary.
func IsRelevant(t models.CanonicalThreat) bool {
	text := strings.ToLower(t.Title + " " + t.Description + " " + t.Category)
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// FilterRelevant keeps relevant records in their original order.
func FilterRelevant(records []models.CanonicalThreat) []models.CanonicalThreat {
	out := make([]models.CanonicalThreat, 0, len(records))
	for _, r := range records {
		if IsRelevant(r) {
			out = append(out, r)
		}
	}
	return out
}
