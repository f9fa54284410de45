package classifier

import (
	"fmt"
	"strings"

	"threatsync/internal/models"
)

const rubric = `Severity rubric (pick exactly one tier):
- Critical: active exploitation or ransomware use against hospitals, medical devices, pharma or industrial control systems; patient safety or production at risk within hours. Example: exploited auth bypass in an infusion pump fleet.
- High: exploitation is likely within days, or a public exploit exists for technology widely deployed in the sector; outage of clinical or plant systems is plausible. Example: remote code execution in a PACS server with a public proof of concept.
- Medium: exploitation needs preconditions or local access; impact is limited to data exposure or degraded service within weeks. Example: stored XSS in a patient portal.
- Low: theoretical, long time horizon, or only tangentially related to the sector. Example: denial of service in a desktop utility used by some lab staff.`

const schema = `Answer with one JSON object, no prose, using exactly these keys:
{
  "tier": "Critical" | "High" | "Medium" | "Low",
  "confidence": <integer 0-100, how sure you are of the tier>,
  "reasoning": "<two to four sentences>",
  "recommended_actions": "<one paragraph>",
  "next_steps": ["<step 1>", "<step 2>", "..."],
  "keywords": ["<keyword>", "..."],
  "bio_sector_relevance": <integer 0-100>
}`

// BuildPrompt renders the classification prompt for one threat.
func BuildPrompt(t models.CanonicalThreat) string {
	var b strings.Builder

	b.WriteString("Classify the following threat for a security team protecting health care, life-sciences and industrial control environments.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", t.Title)
	fmt.Fprintf(&b, "Source: %s\n", t.Source)
	fmt.Fprintf(&b, "Category: %s\n", t.Category)
	fmt.Fprintf(&b, "Provider impact level: %s\n", t.ImpactLevel)
	if !t.DateObserved.IsZero() {
		fmt.Fprintf(&b, "Observed: %s\n", t.DateObserved.Format("2006-01-02"))
	}
	if t.ExternalReference != "" {
		fmt.Fprintf(&b, "Reference: %s\n", t.ExternalReference)
	}
	fmt.Fprintf(&b, "Description:\n%s\n\n", strings.TrimSpace(t.Description))

	b.WriteString(rubric)
	b.WriteString("\n\n")
	b.WriteString("Give 3 to 6 ordered remediation steps in next_steps. Each step must be concrete and name who performs it (for example \"Biomedical engineering: ...\", \"SOC: ...\", \"OT operations: ...\").\n\n")
	b.WriteString(schema)

	return b.String()
}
