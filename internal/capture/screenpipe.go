package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultBaseURL = "http://localhost:3030"

// ScreenpipeSource queries the screenpipe HTTP search API.
type ScreenpipeSource struct {
	baseURL    string
	limit      int
	appName    string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Source = (*ScreenpipeSource)(nil)

// searchResponse is the envelope returned by GET /search.
type searchResponse struct {
	Data []searchItem `json:"data"`
}

type searchItem struct {
	Type    string              `json:"type"`
	Content jsoniter.RawMessage `json:"content"`
}

// ocrContent is the payload of an "OCR" search item.
type ocrContent struct {
	Text       string `json:"text"`
	Timestamp  string `json:"timestamp"`
	AppName    string `json:"app_name"`
	WindowName string `json:"window_name"`
	BrowserURL string `json:"browser_url"`
}

// uiContent is the payload of a "UI" search item.
type uiContent struct {
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
	AppName     string `json:"app_name"`
	WindowName  string `json:"window_name"`
	BrowserURL  string `json:"browser_url"`
	Action      string `json:"action"`
	ElementType string `json:"element_type"`
}

// NewScreenpipeSource builds an HTTP source from cfg.
func NewScreenpipeSource(cfg config.CaptureConfig, logger *zap.Logger) *ScreenpipeSource {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &ScreenpipeSource{
		baseURL:    base,
		limit:      cfg.Limit,
		appName:    cfg.AppName,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("capture.screenpipe"),
	}
}

// Query runs one search request. Items whose timestamp cannot be parsed are
// skipped; unrecognized item types are returned untagged for the caller to drop.
func (s *ScreenpipeSource) Query(ctx context.Context, q schemas.CaptureQuery) ([]schemas.RawCaptureItem, error) {
	reqURL := s.searchURL(q)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("screenpipe search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("screenpipe search failed: status %d, body: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var payload searchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	items := make([]schemas.RawCaptureItem, 0, len(payload.Data))
	for _, d := range payload.Data {
		item, err := decodeItem(d)
		if err != nil {
			s.logger.Debug("Skipping undecodable capture item", zap.String("type", d.Type), zap.Error(err))
			continue
		}
		items = append(items, item)
	}

	s.logger.Debug("Capture query complete",
		zap.String("content_type", string(q.ContentType)),
		zap.Int("returned", len(payload.Data)),
		zap.Int("kept", len(items)),
	)
	return items, nil
}

// Close is a no-op.
func (s *ScreenpipeSource) Close() error { return nil }

func (s *ScreenpipeSource) searchURL(q schemas.CaptureQuery) string {
	params := url.Values{}
	if q.ContentType != "" {
		params.Set("content_type", string(q.ContentType))
	}
	if !q.StartTime.IsZero() {
		params.Set("start_time", q.StartTime.UTC().Format(time.RFC3339))
	}
	if !q.EndTime.IsZero() {
		params.Set("end_time", q.EndTime.UTC().Format(time.RFC3339))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.limit
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	app := q.AppName
	if app == "" {
		app = s.appName
	}
	if app != "" {
		params.Set("app_name", app)
	}
	return s.baseURL + "/search?" + params.Encode()
}

func decodeItem(d searchItem) (schemas.RawCaptureItem, error) {
	switch strings.ToUpper(d.Type) {
	case "OCR":
		var c ocrContent
		if err := json.Unmarshal(d.Content, &c); err != nil {
			return schemas.RawCaptureItem{}, err
		}
		ts, err := parseTimestamp(c.Timestamp)
		if err != nil {
			return schemas.RawCaptureItem{}, err
		}
		return schemas.NewOCRCapture(schemas.OCRItem{
			Text:      c.Text,
			Timestamp: ts,
			AppName:   c.AppName,
			URL:       c.BrowserURL,
			Title:     c.WindowName,
		}), nil
	case "UI":
		var c uiContent
		if err := json.Unmarshal(d.Content, &c); err != nil {
			return schemas.RawCaptureItem{}, err
		}
		ts, err := parseTimestamp(c.Timestamp)
		if err != nil {
			return schemas.RawCaptureItem{}, err
		}
		return schemas.NewUICapture(schemas.UIItem{
			Action:      c.Action,
			ElementType: c.ElementType,
			ElementText: c.Text,
			Timestamp:   ts,
			AppName:     c.AppName,
			URL:         c.BrowserURL,
			Title:       c.WindowName,
		}), nil
	default:
		return schemas.RawCaptureItem{Kind: schemas.CaptureKind(strings.ToLower(d.Type)), RawType: d.Type}, nil
	}
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return ts, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
