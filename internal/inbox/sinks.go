package inbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
)

// LogPublisher writes messages to the structured log.
type LogPublisher struct {
	logger *zap.Logger
}

var _ schemas.Publisher = (*LogPublisher)(nil)

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("inbox")}
}

func (p *LogPublisher) Publish(_ context.Context, title, body string) error {
	p.logger.Info("Inbox message", zap.String("title", title), zap.String("body", body))
	return nil
}

// MarkerPublisher writes one line per message to w. Bodies are folded onto a
// single line. Task bodies already carry the task marker, so a process
// reading w line by line can pick them out with ParseTaskLine.
type MarkerPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

var _ schemas.Publisher = (*MarkerPublisher)(nil)

func NewMarkerPublisher(w io.Writer) *MarkerPublisher {
	return &MarkerPublisher{w: w}
}

func (p *MarkerPublisher) Publish(_ context.Context, title, body string) error {
	line := singleLine(body)
	if _, ok := ParseTaskLine(line); !ok {
		line = fmt.Sprintf("[tasks-auto-complete] %s: %s", title, line)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintln(p.w, line); err != nil {
		return fmt.Errorf("failed to write marker line: %w", err)
	}
	return nil
}

// singleLine collapses every whitespace run, newlines included, to one space.
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
