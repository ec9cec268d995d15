package capture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

const searchFixture = `{
  "data": [
    {"type": "OCR", "content": {"frame_id": 1, "text": "Submit form", "timestamp": "2024-03-21T15:30:00.250Z",
      "app_name": "Chrome", "window_name": "Signup", "browser_url": "https://example.com/signup"}},
    {"type": "UI", "content": {"id": 7, "text": "Email", "timestamp": "2024-03-21T15:30:01Z",
      "app_name": "Chrome", "window_name": "Signup", "action": "focus", "element_type": "textbox"}},
    {"type": "Audio", "content": {"transcription": "hello"}},
    {"type": "OCR", "content": {"text": "no timestamp"}}
  ],
  "pagination": {"limit": 50, "offset": 0, "total": 4}
}`

func newTestSource(t *testing.T, handler http.HandlerFunc, cfg config.CaptureConfig) *ScreenpipeSource {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL + "/"
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return NewScreenpipeSource(cfg, zap.NewNop())
}

func TestScreenpipeSource_QueryParameters(t *testing.T) {
	start := time.Date(2024, 3, 21, 15, 29, 30, 0, time.UTC)
	end := start.Add(30 * time.Second)

	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "ocr", q.Get("content_type"))
		assert.Equal(t, "2024-03-21T15:29:30Z", q.Get("start_time"))
		assert.Equal(t, "2024-03-21T15:30:00Z", q.Get("end_time"))
		assert.Equal(t, "50", q.Get("limit"))
		assert.Equal(t, "Chrome", q.Get("app_name"))
		w.Write([]byte(`{"data":[]}`))
	}, config.CaptureConfig{Limit: 50, AppName: "Chrome"})

	items, err := src.Query(context.Background(), schemas.CaptureQuery{
		StartTime:   start,
		EndTime:     end,
		ContentType: schemas.ContentOCR,
	})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestScreenpipeSource_QueryOverridesDefaults(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "Slack", q.Get("app_name"))
		assert.Empty(t, q.Get("start_time"))
		w.Write([]byte(`{"data":[]}`))
	}, config.CaptureConfig{Limit: 50, AppName: "Chrome"})

	_, err := src.Query(context.Background(), schemas.CaptureQuery{Limit: 5, AppName: "Slack", ContentType: schemas.ContentUI})
	require.NoError(t, err)
}

func TestScreenpipeSource_DecodesEnvelope(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(searchFixture))
	}, config.CaptureConfig{})

	items, err := src.Query(context.Background(), schemas.CaptureQuery{})
	require.NoError(t, err)
	require.Len(t, items, 3, "the OCR item without a timestamp is skipped")

	ocr := items[0]
	require.Equal(t, schemas.KindOCR, ocr.Kind)
	require.NotNil(t, ocr.OCR)
	assert.Equal(t, "Submit form", ocr.OCR.Text)
	assert.Equal(t, "Chrome", ocr.OCR.AppName)
	assert.Equal(t, "https://example.com/signup", ocr.OCR.URL)
	assert.Equal(t, "Signup", ocr.OCR.Title)
	assert.Equal(t, time.Date(2024, 3, 21, 15, 30, 0, 250*int(time.Millisecond), time.UTC), ocr.OCR.Timestamp.UTC())

	ui := items[1]
	require.Equal(t, schemas.KindUI, ui.Kind)
	require.NotNil(t, ui.UI)
	assert.Equal(t, "focus", ui.UI.Action)
	assert.Equal(t, "textbox", ui.UI.ElementType)
	assert.Equal(t, "Email", ui.UI.ElementText)
	assert.Empty(t, ui.UI.URL)

	other := items[2]
	assert.Equal(t, schemas.CaptureKind("audio"), other.Kind)
	assert.Equal(t, "Audio", other.RawType)
	assert.Nil(t, other.OCR)
	assert.Nil(t, other.UI)
	assert.True(t, other.Timestamp().IsZero())
}

func TestScreenpipeSource_Errors(t *testing.T) {
	t.Run("bad status", func(t *testing.T) {
		src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("db locked"))
		}, config.CaptureConfig{})

		_, err := src.Query(context.Background(), schemas.CaptureQuery{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
		assert.Contains(t, err.Error(), "db locked")
	})

	t.Run("corrupt body", func(t *testing.T) {
		src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{"))
		}, config.CaptureConfig{})

		_, err := src.Query(context.Background(), schemas.CaptureQuery{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode search response")
	})

	t.Run("cancelled context", func(t *testing.T) {
		src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data":[]}`))
		}, config.CaptureConfig{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := src.Query(ctx, schemas.CaptureQuery{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNew(t *testing.T) {
	src, err := New(config.CaptureConfig{Source: config.CaptureSourceHTTP}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &ScreenpipeSource{}, src)
	assert.Equal(t, defaultBaseURL, src.(*ScreenpipeSource).baseURL)
	assert.NoError(t, src.Close())

	_, err = New(config.CaptureConfig{Source: "kafka"}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(config.CaptureConfig{Source: config.CaptureSourceSQLite}, zap.NewNop())
	assert.Error(t, err)
}
