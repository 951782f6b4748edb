package outbox

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/observability/alerting"
	"ShopAssist/pkg/logger"
)

// Sender 负责真正把邮件发出去。
type Sender interface {
	SendHTML(ctx context.Context, to, subject, html string) error
}

// Processor 从队列消费邮件 ID 并投递。
type Processor struct {
	sender      Sender
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observe     func(outcome string)
	backoff     time.Duration
}

const maxRetryDelay = 5 * time.Minute

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithDeliveryObserver 配置投递结果回调，用于指标。
func WithDeliveryObserver(fn func(outcome string)) ProcessorOption {
	return func(p *Processor) {
		p.observe = fn
	}
}

// WithRetryBackoff 设置首次重投延迟，之后每次翻倍，上限 5 分钟。
func WithRetryBackoff(base time.Duration) ProcessorOption {
	return func(p *Processor) {
		if base > 0 {
			p.backoff = base
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(sender Sender, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		sender:      sender,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("outbox"),
		backoff:     time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动投递循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置邮件消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, d Delivery) error {
	if p.store == nil || p.sender == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "邮件处理器未初始化")
	}
	id := d.MessageID
	msg, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrMessageNotFound) || stdErrors.Is(err, ErrMessageDelivered) || stdErrors.Is(err, ErrMessageExhausted) {
			p.logger.Debug("跳过邮件", slog.String("message_id", id), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取邮件失败", slog.Any("error", err), slog.String("message_id", id))
		return err
	}

	if sendErr := p.sender.SendHTML(ctx, msg.To, msg.Subject, msg.HTML); sendErr != nil {
		return p.handleFailure(ctx, msg, sendErr)
	}
	if err := p.store.MarkDelivered(ctx, msg.ID); err != nil {
		p.logger.Error("标记邮件投递成功失败", slog.Any("error", err), slog.String("message_id", msg.ID))
		return err
	}
	p.record("delivered")
	logger.Audit().Info("email_delivered",
		slog.String("message_id", msg.ID),
		slog.String("conversation_id", msg.ConversationID),
		slog.Int("attempts", msg.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, msg *Message, sendErr error) error {
	wrapped := sendErr
	if _, ok := xerrors.From(sendErr); !ok {
		wrapped = xerrors.Wrap(CodeDeliveryFailed, sendErr, "SMTP 投递失败")
	}
	code := xerrors.CodeOf(wrapped)
	retryable := xerrors.RetryableError(wrapped)
	terminal := msg.Attempts >= msg.MaxRetries || !retryable

	if err := p.store.MarkFailed(ctx, msg.ID, code, wrapped.Error(), terminal); err != nil {
		p.logger.Error("标记邮件失败状态出错", slog.Any("error", err), slog.String("message_id", msg.ID))
		return err
	}
	logger.Audit().Warn("email_delivery_failed",
		slog.String("message_id", msg.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", wrapped.Error()),
		slog.Int("attempts", msg.Attempts),
		slog.Int("max_retries", msg.MaxRetries),
	)

	if terminal {
		p.record("failed")
		p.emitAlert(ctx, msg, code, wrapped)
		return nil
	}
	p.record("retried")
	next := Delivery{MessageID: msg.ID, ConversationID: msg.ConversationID, Attempt: msg.Attempts + 1}
	if err := p.producer.Publish(ctx, next, p.retryDelay(msg.Attempts)); err != nil {
		return xerrors.Wrap(CodeMessagePublish, err, fmt.Sprintf("邮件 %s 重投失败", msg.ID))
	}
	return nil
}

// retryDelay 返回第 attempts 次失败后的等待时长。
func (p *Processor) retryDelay(attempts int) time.Duration {
	delay := p.backoff
	for i := 1; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func (p *Processor) record(outcome string) {
	if p.observe != nil {
		p.observe(outcome)
	}
}

func (p *Processor) emitAlert(ctx context.Context, msg *Message, code xerrors.Code, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.AttributesOf(code).Severity,
		Resource:   "outbox/" + msg.ID,
		Attempts:   msg.Attempts,
		MaxRetries: msg.MaxRetries,
		Metadata:   map[string]string{"stage": "terminal", "conversation_id": msg.ConversationID},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("message_id", msg.ID))
	}
}
