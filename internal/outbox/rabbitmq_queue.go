package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ShopAssist/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Durable  bool
}

// RabbitMQQueue 使用 RabbitMQ 实现邮件队列。延迟投递先进入 <queue>.retry，
// 消息过期后经死信路由回主队列。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	retry string
}

var _ Queue = (*RabbitMQQueue)(nil)

const attemptHeader = "x-attempt"

// NewRabbitMQQueue 连接 RabbitMQ 并声明主队列与重试队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "shopassist.outbox"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	fail := func(format string, err error) (*RabbitMQQueue, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf(format, err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		return fail("声明 RabbitMQ 队列失败: %w", err)
	}
	retry := queue + ".retry"
	if _, err := ch.QueueDeclare(retry, cfg.Durable, false, false, false, retryQueueArgs(queue)); err != nil {
		return fail("声明 RabbitMQ 重试队列失败: %w", err)
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, retry: retry}, nil
}

func retryQueueArgs(target string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": target,
	}
}

// publishing 构造消息体。只有队首消息过期后才会转投，较短的延迟可能排在较长的之后。
func publishing(d Delivery, delay time.Duration) (amqp.Publishing, error) {
	body, err := d.encode()
	if err != nil {
		return amqp.Publishing{}, err
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     d.MessageID,
		CorrelationId: d.ConversationID,
		Headers:       amqp.Table{attemptHeader: int32(d.Attempt)},
		Body:          body,
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	return msg, nil
}

// Publish 实现 Producer。
func (q *RabbitMQQueue) Publish(ctx context.Context, d Delivery, delay time.Duration) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	msg, err := publishing(d, delay)
	if err != nil {
		return fmt.Errorf("编码投递通知失败: %w", err)
	}
	target := q.queue
	if delay > 0 {
		target = q.retry
	}
	return q.ch.PublishWithContext(ctx, "", target, false, false, msg)
}

// Consume 使用手动确认模式消费主队列。处理出错的通知延迟后重新排队，原消息总是确认。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	log := logger.Named("outbox")
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					d, err := decodeDelivery(msg.Body)
					if err != nil {
						log.Warn("丢弃无法解析的投递通知", slog.String("message_id", msg.MessageId), slog.Any("error", err))
						_ = msg.Ack(false)
						continue
					}
					if err := handler(ctx, d); err != nil {
						if pubErr := q.Publish(ctx, d, requeueDelay); pubErr != nil {
							log.Error("重新排队失败", slog.String("message_id", d.MessageID), slog.Any("error", pubErr))
							_ = msg.Nack(false, true)
							continue
						}
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Ping 检查与 RabbitMQ 的连接是否仍然可用。
func (q *RabbitMQQueue) Ping(context.Context) error {
	if q == nil || q.conn == nil || q.conn.IsClosed() {
		return errors.New("RabbitMQ 连接已关闭")
	}
	if q.ch == nil || q.ch.IsClosed() {
		return errors.New("RabbitMQ channel 已关闭")
	}
	return nil
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	var err error
	if q.ch != nil {
		err = q.ch.Close()
	}
	if q.conn != nil {
		err = errors.Join(err, q.conn.Close())
	}
	return err
}
