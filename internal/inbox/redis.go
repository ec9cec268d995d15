package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

// historySize caps the list kept next to the pub/sub channel.
const historySize = 100

// Message is the JSON document published on the redis channel.
type Message struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Task      string `json:"task,omitempty"`
	Timestamp string `json:"timestamp"`
}

// RedisPublisher publishes messages on a pub/sub channel and keeps the most
// recent ones in the list "<channel>:history" for consumers that connect late.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
	now     func() time.Time
}

var _ schemas.Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(cfg config.RedisConfig, logger *zap.Logger) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &RedisPublisher{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.Named("inbox.redis"),
		now:     time.Now,
	}
}

// HistoryKey is the list holding recent messages.
func (p *RedisPublisher) HistoryKey() string {
	return p.channel + ":history"
}

func (p *RedisPublisher) Publish(ctx context.Context, title, body string) error {
	msg := Message{
		Title:     title,
		Body:      body,
		Timestamp: p.now().UTC().Format(time.RFC3339),
	}
	if task, ok := ParseTaskLine(body); ok {
		msg.Task = task
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal inbox message: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.LPush(ctx, p.HistoryKey(), data)
	pipe.LTrim(ctx, p.HistoryKey(), 0, historySize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	p.logger.Debug("Inbox message published", zap.String("channel", p.channel), zap.String("title", title))
	return nil
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
