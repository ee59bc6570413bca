package models

import "time"

// Test statuses
const (
	TestRunning   = "running"
	TestCompleted = "completed"
	TestCancelled = "cancelled"
)

// Test types describe which part of the message a variant value replaces
const (
	TestTypeSubject  = "subject"
	TestTypeContent  = "content"
	TestTypeFromName = "from_name"
)

// Target metrics
const (
	MetricOpenRate  = "open_rate"
	MetricClickRate = "click_rate"
)

// Variant is one candidate content version under test
type Variant struct {
	ID    string `json:"variant_id"`
	Value string `json:"value"`
}

// Test represents an A/B test linked to one or more campaigns
type Test struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`     // subject, content, from_name
	Variants        []Variant      `json:"variants"` // ordered, immutable after creation
	TargetMetric    string         `json:"target_metric"`
	MinSampleSize   int            `json:"min_sample_size"`
	Status          string         `json:"status"` // running, completed, cancelled
	WinnerVariantID string         `json:"winner_variant_id,omitempty"`
	FinalStats      []VariantStats `json:"final_stats,omitempty"` // snapshot taken at completion
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the test has left the running state
func (t *Test) IsTerminal() bool {
	return t.Status == TestCompleted || t.Status == TestCancelled
}

// Variant returns the variant with the given id
func (t *Test) Variant(id string) (Variant, bool) {
	for _, v := range t.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// VariantAssignment pins a recipient to a variant of a test
type VariantAssignment struct {
	TestID      string    `json:"test_id"`
	RecipientID string    `json:"recipient_id"`
	VariantID   string    `json:"variant_id"`
	Opened      bool      `json:"opened"`
	Clicked     bool      `json:"clicked"`
	CreatedAt   time.Time `json:"created_at"`
}

// VariantCounts holds raw aggregated assignment outcomes for one variant
type VariantCounts struct {
	VariantID string
	Total     int
	Opened    int
	Clicked   int
}

// VariantStats holds the outcome of one variant
type VariantStats struct {
	VariantID string  `json:"variant_id"`
	Total     int     `json:"total"`
	Opened    int     `json:"opened"`
	Clicked   int     `json:"clicked"`
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
}
