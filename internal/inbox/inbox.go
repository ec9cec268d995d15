// Package inbox delivers proposals and notices to the user. Several sinks can
// be active at once; delivery is best effort.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var taskLine = regexp.MustCompile(`\[tasks-auto-complete\] TASK: (.*)`)

// ParseTaskLine extracts the task text from a line carrying the task marker.
func ParseTaskLine(line string) (string, bool) {
	m := taskLine.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	task := strings.TrimSpace(m[1])
	return task, task != ""
}

// Multi fans a message out to every sink. Each sink is tried even if an
// earlier one fails.
type Multi struct {
	sinks   []schemas.Publisher
	closers []io.Closer
}

var _ schemas.Publisher = (*Multi)(nil)

// NewMulti combines sinks. Sinks that implement io.Closer are closed by Close.
func NewMulti(sinks ...schemas.Publisher) *Multi {
	m := &Multi{sinks: sinks}
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			m.closers = append(m.closers, c)
		}
	}
	return m
}

// Publish delivers to all sinks and joins their errors.
func (m *Multi) Publish(ctx context.Context, title, body string) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases sinks holding connections.
func (m *Multi) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// New builds the sinks named in cfg.Sinks. Marker lines go to stdout. The
// redis sink is pinged so an unreachable server fails at startup.
func New(ctx context.Context, cfg config.InboxConfig, stdout io.Writer, logger *zap.Logger) (*Multi, error) {
	var sinks []schemas.Publisher
	fail := func(err error) (*Multi, error) {
		NewMulti(sinks...).Close()
		return nil, err
	}
	for _, name := range cfg.Sinks {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case config.SinkLog:
			sinks = append(sinks, NewLogPublisher(logger))
		case config.SinkMarker:
			sinks = append(sinks, NewMarkerPublisher(stdout))
		case config.SinkWebhook:
			sinks = append(sinks, NewWebhookPublisher(cfg.Webhook, logger))
		case config.SinkRedis:
			rp := NewRedisPublisher(cfg.Redis, logger)
			sinks = append(sinks, rp)
			if err := rp.Ping(ctx); err != nil {
				return fail(err)
			}
		default:
			return fail(fmt.Errorf("unknown inbox sink %q", name))
		}
	}

	m := NewMulti(sinks...)
	if m.Len() == 0 {
		logger.Warn("No inbox sinks configured, proposals will not be delivered")
	} else {
		logger.Debug("Inbox ready", zap.Int("sinks", m.Len()))
	}
	return m, nil
}
