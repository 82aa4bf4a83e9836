package models

// Fragment is restored textual evidence for one relationship (or, when
// Supplementary, for a lookup outside the strict path).
type Fragment struct {
	Text           string  `json:"text"`
	RelationshipID string  `json:"relationship_id,omitempty"`
	VertexID       string  `json:"vertex_id,omitempty"`
	Confidence     float64 `json:"confidence"`
	Supplementary  bool    `json:"supplementary,omitempty"`
}

// Span is a byte range into a generated answer.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Claim is a subject-predicate-object assertion extracted from generated text.
type Claim struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	Span      Span   `json:"span"`
	Text      string `json:"text,omitempty"`
}

// ClaimStatus classifies a claim against the graph.
type ClaimStatus string

const (
	Supported    ClaimStatus = "supported"
	Contradicted ClaimStatus = "contradicted"
	Unverifiable ClaimStatus = "unverifiable"
)

// ClaimResult is one verified claim with the evidence that decided it.
type ClaimResult struct {
	Claim    Claim       `json:"claim"`
	Status   ClaimStatus `json:"status"`
	Evidence string      `json:"evidence,omitempty"`
}

// VerdictStatus is the aggregate outcome of a verification pass.
type VerdictStatus string

const (
	Pass VerdictStatus = "pass"
	Fail VerdictStatus = "fail"
)

// Verdict aggregates claim results. Failing lists every claim that is not
// Supported.
type Verdict struct {
	Status  VerdictStatus `json:"status"`
	Claims  []ClaimResult `json:"claims"`
	Failing []Claim       `json:"failing,omitempty"`
}

// SupportedRatio is the fraction of claims that are Supported.
func (v Verdict) SupportedRatio() float64 {
	if len(v.Claims) == 0 {
		return 0
	}
	n := 0
	for _, c := range v.Claims {
		if c.Status == Supported {
			n++
		}
	}
	return float64(n) / float64(len(v.Claims))
}

// EmbeddingRecord is the learner's current vector for one domain.
type EmbeddingRecord struct {
	Domain      string    `json:"domain"`
	Vector      []float64 `json:"vector"`
	LastVersion VersionID `json:"last_version"`
}

// Freshness signals that newer information may exist beyond the version a
// query searched.
type Freshness struct {
	Stale   bool      `json:"stale"`
	Domains []string  `json:"domains,omitempty"`
	Latest  VersionID `json:"latest_version,omitempty"`
	Message string    `json:"message,omitempty"`
}
