package schemas

import "time"

// TimeRange is a closed interval of capture time.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ActivitySnapshot is one normalized, deduplicated batch of activity.
// OCREntries and UIEntries never hold two entries with the same dedup key.
type ActivitySnapshot struct {
	OCREntries []OCRItem `json:"ocr_entries"`
	UIEntries  []UIItem  `json:"ui_entries"`
	TimeRange  TimeRange `json:"time_range"`
	Apps       []string  `json:"apps"`
	URLs       []string  `json:"urls"`
}

// IsEmpty reports whether the snapshot carries no entries at all.
func (s ActivitySnapshot) IsEmpty() bool {
	return len(s.OCREntries) == 0 && len(s.UIEntries) == 0
}

// DetectionResult is the classifier's judgment on a window of snapshots.
// URL and Timestamp are nil unless HasForm is true.
type DetectionResult struct {
	HasForm   bool    `json:"hasForm"`
	URL       *string `json:"url"`
	Timestamp *string `json:"timestamp"`
}

// NoForm is the safe default returned on any detection failure.
func NoForm() DetectionResult {
	return DetectionResult{}
}

// URLOrEmpty dereferences URL.
func (d DetectionResult) URLOrEmpty() string {
	if d.URL == nil {
		return ""
	}
	return *d.URL
}

// TimestampOrEmpty dereferences Timestamp.
func (d DetectionResult) TimestampOrEmpty() string {
	if d.Timestamp == nil {
		return ""
	}
	return *d.Timestamp
}

// UrlState is the tracker's memory of the last analyzed content for a URL.
type UrlState struct {
	LastChecked            time.Time `json:"last_checked"`
	LastContentFingerprint string    `json:"last_content_fingerprint"`
}

// TaskProposal is a synthesized automation plan awaiting accept/ignore.
type TaskProposal struct {
	ID         string  `json:"id"`
	Platform   string  `json:"platform"`
	Identifier string  `json:"identifier"`
	Timestamp  string  `json:"timestamp"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}
