// Package consumer 权限变更事件：发布到 Redis Streams，并由消费者组负责清理缓存。
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rediscommon "energy-monitor/common/redis"
	"energy-monitor/internal/permission"
	"energy-monitor/internal/store"
	"energy-monitor/internal/widget"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultStream 权限事件流
const DefaultStream = "permission:events"

// 事件类型
const (
	EventAssignmentChanged = "assignment.changed"
	EventRoleChanged       = "user.role_changed"
)

// Event 权限变更事件
type Event struct {
	Type       string    `json:"type"`
	UserID     int64     `json:"user_id"`
	ChangedBy  int64     `json:"changed_by,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher 发布权限事件
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Invalidator 清除用户的权限缓存与全部 widget 缓存
type Invalidator struct {
	resolver *permission.Resolver
	kv       store.KV
	logger   *zap.Logger
}

func NewInvalidator(resolver *permission.Resolver, kv store.KV, logger *zap.Logger) *Invalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invalidator{resolver: resolver, kv: kv, logger: logger}
}

// Handle 处理一条事件；未知类型忽略
func (i *Invalidator) Handle(ctx context.Context, e Event) error {
	switch e.Type {
	case EventAssignmentChanged, EventRoleChanged:
	default:
		i.logger.Debug("Ignoring permission event", zap.String("type", e.Type))
		return nil
	}
	if err := i.resolver.ClearUserCache(ctx, e.UserID); err != nil {
		return fmt.Errorf("failed to clear permission cache: %w", err)
	}
	n, err := widget.InvalidateUser(ctx, i.kv, e.UserID)
	if err != nil {
		return fmt.Errorf("failed to clear widget cache: %w", err)
	}
	i.logger.Info("User caches invalidated",
		zap.String("event_type", e.Type),
		zap.Int64("user_id", e.UserID),
		zap.Int("widget_keys", n),
	)
	return nil
}

// LocalPublisher 未启用 Redis 时直接在进程内处理事件
type LocalPublisher struct {
	Invalidator *Invalidator
}

func (p LocalPublisher) Publish(ctx context.Context, e Event) error {
	return p.Invalidator.Handle(ctx, e)
}

// StreamPublisher 写入 Redis Streams
type StreamPublisher struct {
	client *redis.Client
	stream string
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamPublisher{client: client, stream: stream}
}

func (p *StreamPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, e); err != nil {
		return fmt.Errorf("failed to publish permission event: %w", err)
	}
	return nil
}

// StreamConfig 消费者组参数
type StreamConfig struct {
	Stream    string        `yaml:"stream"`
	Group     string        `yaml:"group"`
	Consumer  string        `yaml:"consumer"`
	BatchSize int64         `yaml:"batch_size"`
	Block     time.Duration `yaml:"block"`
}

// StreamConsumer 权限事件消费者
type StreamConsumer struct {
	cfg         StreamConfig
	client      *redis.Client
	invalidator *Invalidator
	logger      *zap.Logger
}

func NewStreamConsumer(cfg StreamConfig, client *redis.Client, invalidator *Invalidator, logger *zap.Logger) *StreamConsumer {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Group == "" {
		cfg.Group = "energy-monitor"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "energy-monitor-1"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConsumer{cfg: cfg, client: client, invalidator: invalidator, logger: logger}
}

// Start 创建消费者组并持续消费，直到 ctx 取消
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.client, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.cfg.Stream, err)
	}
	c.logger.Info("Permission event consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("consumer_group", c.cfg.Group),
		zap.String("consumer_name", c.cfg.Consumer),
	)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Permission event consumer stopped")
			return nil
		default:
		}
		if _, err := c.Consume(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume permission events", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

// Consume 读取并处理一批消息，返回成功确认的条数
func (c *StreamConsumer) Consume(ctx context.Context) (int, error) {
	messages, err := rediscommon.ReadFromStream(ctx, c.client, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.Block)
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream %s: %w", c.cfg.Stream, err)
	}
	acked := 0
	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			// 未确认的消息留在 pending 列表
			c.logger.Error("Failed to process permission event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if err := rediscommon.Ack(ctx, c.client, c.cfg.Stream, c.cfg.Group, msg.ID); err != nil {
			return acked, fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
		}
		acked++
	}
	return acked, nil
}

func (c *StreamConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	raw, _ := msg.Values["data"].(string)
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// 无法解析的消息直接确认，避免反复投递
		c.logger.Warn("Dropping malformed permission event", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	return c.invalidator.Handle(ctx, e)
}
