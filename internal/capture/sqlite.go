package capture

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

// TimeLayout is the fixed-width UTC layout used for the entries.timestamp
// column, so string comparison in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// SQLiteSource reads OCR text from a local capture database holding an
// entries(timestamp, app, text) table. It has no UI stream.
type SQLiteSource struct {
	db      *sql.DB
	limit   int
	appName string
	logger  *zap.Logger
}

var _ Source = (*SQLiteSource)(nil)

// OpenSQLiteSource opens the database at cfg.SQLitePath.
func OpenSQLiteSource(cfg config.CaptureConfig, logger *zap.Logger) (*SQLiteSource, error) {
	if cfg.SQLitePath == "" {
		return nil, fmt.Errorf("sqlite capture source requires a database path")
	}
	dsn := cfg.SQLitePath + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture database: %w", err)
	}
	return NewSQLiteSource(db, cfg, logger), nil
}

// NewSQLiteSource wraps an already open database.
func NewSQLiteSource(db *sql.DB, cfg config.CaptureConfig, logger *zap.Logger) *SQLiteSource {
	return &SQLiteSource{
		db:      db,
		limit:   cfg.Limit,
		appName: cfg.AppName,
		logger:  logger.Named("capture.sqlite"),
	}
}

// Query returns the newest rows in [q.StartTime, q.EndTime] as OCR items.
// UI queries return nothing.
func (s *SQLiteSource) Query(ctx context.Context, q schemas.CaptureQuery) ([]schemas.RawCaptureItem, error) {
	if q.ContentType == schemas.ContentUI {
		return nil, nil
	}

	var (
		where []string
		args  []interface{}
	)
	if !q.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.StartTime.UTC().Format(TimeLayout))
	}
	if !q.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.EndTime.UTC().Format(TimeLayout))
	}
	app := q.AppName
	if app == "" {
		app = s.appName
	}
	if app != "" {
		where = append(where, "app = ?")
		args = append(args, app)
	}

	query := "SELECT timestamp, app, text FROM entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = s.limit
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var items []schemas.RawCaptureItem
	for rows.Next() {
		var rawTS, app, text string
		if err := rows.Scan(&rawTS, &app, &text); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, rawTS)
		if err != nil {
			s.logger.Debug("Skipping entry with invalid timestamp", zap.String("timestamp", rawTS))
			continue
		}
		items = append(items, schemas.NewOCRCapture(schemas.OCRItem{
			Text:      text,
			Timestamp: ts,
			AppName:   app,
		}))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return items, nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}
