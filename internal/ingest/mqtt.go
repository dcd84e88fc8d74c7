package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	mqttcommon "energy-monitor/common/mqtt"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅能力（*mqttcommon.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer 订阅读数主题，消息体与 POST /api/readings 相同
type MQTTConsumer struct {
	client   Subscriber
	ingestor *Ingestor
	topic    string
	qos      byte
	logger   *zap.Logger
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(client Subscriber, ingestor *Ingestor, topic string, qos byte, logger *zap.Logger) *MQTTConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTConsumer{client: client, ingestor: ingestor, topic: topic, qos: qos, logger: logger}
}

// Start 订阅并阻塞到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.client.Subscribe(c.topic, c.qos, func(topic string, payload []byte) error {
		return c.HandleMessage(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to readings topic: %w", err)
	}
	c.logger.Info("MQTT reading consumer started", zap.String("topic", c.topic))

	<-ctx.Done()
	if err := c.client.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT reading consumer stopped")
	return nil
}

// HandleMessage 解析单条消息并写入
func (c *MQTTConsumer) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)
	var in ReadingInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("failed to unmarshal reading message: %w", err)
	}
	if _, err := c.ingestor.Store(ctx, in); err != nil {
		return fmt.Errorf("failed to store reading from %s: %w", topic, err)
	}
	return nil
}
