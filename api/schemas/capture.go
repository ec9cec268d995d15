package schemas

import "time"

// CaptureKind tags the variant held by a RawCaptureItem.
type CaptureKind string

const (
	KindOCR CaptureKind = "ocr"
	KindUI  CaptureKind = "ui"
)

// ContentType selects which stream a capture query reads from.
type ContentType string

const (
	ContentOCR ContentType = "ocr"
	ContentUI  ContentType = "ui"
)

// OCRItem is a block of text recognized on screen.
type OCRItem struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	AppName   string    `json:"app_name"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
}

// UIItem is a single UI interaction event (click, focus, keystroke target).
type UIItem struct {
	Action      string    `json:"action,omitempty"`
	ElementType string    `json:"element_type,omitempty"`
	ElementText string    `json:"element_text,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	AppName     string    `json:"app_name"`
	URL         string    `json:"url,omitempty"`
	Title       string    `json:"title,omitempty"`
}

// DedupKey is the composite identity of a UI event, independent of when it was captured.
func (u UIItem) DedupKey() string {
	return u.Action + "\x1f" + u.ElementType + "\x1f" + u.ElementText + "\x1f" +
		u.AppName + "\x1f" + u.URL + "\x1f" + u.Title
}

// RawCaptureItem is a tagged variant over the item kinds a capture source emits.
// Exactly one of OCR/UI is set when Kind is known. Items with any other Kind
// carry only RawType and are dropped by consumers.
type RawCaptureItem struct {
	Kind    CaptureKind `json:"kind"`
	RawType string      `json:"raw_type,omitempty"`
	OCR     *OCRItem    `json:"ocr,omitempty"`
	UI      *UIItem     `json:"ui,omitempty"`
}

// NewOCRCapture wraps an OCR entry.
func NewOCRCapture(item OCRItem) RawCaptureItem {
	return RawCaptureItem{Kind: KindOCR, OCR: &item}
}

// NewUICapture wraps a UI entry.
func NewUICapture(item UIItem) RawCaptureItem {
	return RawCaptureItem{Kind: KindUI, UI: &item}
}

// Timestamp returns the capture time of whichever variant is set.
func (r RawCaptureItem) Timestamp() time.Time {
	switch {
	case r.Kind == KindOCR && r.OCR != nil:
		return r.OCR.Timestamp
	case r.Kind == KindUI && r.UI != nil:
		return r.UI.Timestamp
	default:
		return time.Time{}
	}
}

// CaptureQuery describes a single read from a capture source.
type CaptureQuery struct {
	StartTime   time.Time   `json:"start_time"`
	EndTime     time.Time   `json:"end_time"`
	Limit       int         `json:"limit"`
	ContentType ContentType `json:"content_type"`
	AppName     string      `json:"app_name,omitempty"`
}
