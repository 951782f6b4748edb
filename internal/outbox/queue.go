package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// Delivery 是队列中流转的投递通知，正文始终从 Store 读取。
type Delivery struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	// Attempt 为即将进行的第几次投递，从 1 开始。
	Attempt int `json:"attempt"`
}

func (d Delivery) encode() ([]byte, error) {
	return json.Marshal(d)
}

// decodeDelivery 兼容只包含邮件 ID 的旧格式消息。
func decodeDelivery(data []byte) (Delivery, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Delivery{MessageID: string(trimmed), Attempt: 1}, nil
	}
	var d Delivery
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return Delivery{}, err
	}
	if d.Attempt <= 0 {
		d.Attempt = 1
	}
	return d, nil
}

// Handler 处理一条投递通知。
type Handler func(ctx context.Context, d Delivery) error

// Producer 负责投递通知，delay 大于 0 时延迟可见。
type Producer interface {
	Publish(ctx context.Context, d Delivery, delay time.Duration) error
	Close() error
}

// Consumer 以 workerCount 个协程消费通知，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
