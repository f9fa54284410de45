package feeds

// Payload is the raw, decoded response of one adapter fetch. The set of
// implementations is closed: *OTXPayload, *NVDPayload and *KEVPayload.
type Payload interface {
	payload()
}

func (*OTXPayload) payload() {}
func (*NVDPayload) payload() {}
func (*KEVPayload) payload() {}

// OTXPayload is a page of subscribed AlienVault OTX pulses.
type OTXPayload struct {
	Count   int        `json:"count"`
	Results []OTXPulse `json:"results"`
}

type OTXPulse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Created     string   `json:"created"`
	Tags        []string `json:"tags"`
}

// NVDPayload is one page of the NVD CVE API 2.0.
type NVDPayload struct {
	ResultsPerPage  int                `json:"resultsPerPage"`
	TotalResults    int                `json:"totalResults"`
	Vulnerabilities []NVDVulnerability `json:"vulnerabilities"`
}

type NVDVulnerability struct {
	CVE NVDCVE `json:"cve"`
}

type NVDCVE struct {
	ID           string           `json:"id"`
	Published    string           `json:"published"`
	Descriptions []NVDDescription `json:"descriptions"`
	Metrics      NVDMetrics       `json:"metrics"`
}

type NVDDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type NVDMetrics struct {
	CVSSMetricV31 []NVDCVSSMetric `json:"cvssMetricV31"`
	CVSSMetricV30 []NVDCVSSMetric `json:"cvssMetricV30"`
	CVSSMetricV2  []NVDCVSSMetric `json:"cvssMetricV2"`
}

type NVDCVSSMetric struct {
	CVSSData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

// KEVPayload is the CISA Known Exploited Vulnerabilities catalog.
type KEVPayload struct {
	Title           string     `json:"title"`
	CatalogVersion  string     `json:"catalogVersion"`
	Vulnerabilities []KEVEntry `json:"vulnerabilities"`
}

type KEVEntry struct {
	CVEID                      string `json:"cveID"`
	VendorProject              string `json:"vendorProject"`
	Product                    string `json:"product"`
	VulnerabilityName          string `json:"vulnerabilityName"`
	DateAdded                  string `json:"dateAdded"`
	ShortDescription           string `json:"shortDescription"`
	RequiredAction             string `json:"requiredAction"`
	KnownRansomwareCampaignUse string `json:"knownRansomwareCampaignUse"`
}
