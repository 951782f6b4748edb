package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "ShopAssist/internal/errors"
	"ShopAssist/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelLog   Channel = "log"
)

// Event 描述一次需要告警的事件，例如回合失败、达到迭代上限或邮件最终投递失败。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Resource   string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// key 用于合并重复告警。
func (e Event) key() string {
	return string(e.Code) + "|" + e.Resource
}

// FromError 根据统一错误构造告警事件。
func FromError(err error, resource string, metadata map[string]string) Event {
	code := xerrors.CodeOf(err)
	message := xerrors.AttributesOf(code).Message
	if err != nil {
		message = err.Error()
	}
	return Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(err),
		Resource:   resource,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
}

var severityRank = map[xerrors.Severity]int{
	xerrors.SeverityInfo:     0,
	xerrors.SeverityWarning:  1,
	xerrors.SeverityCritical: 2,
}

// AtLeast 报告 sev 是否不低于 floor。未知级别按 critical 处理。
func AtLeast(sev, floor xerrors.Severity) bool {
	rank, ok := severityRank[sev]
	if !ok {
		rank = severityRank[xerrors.SeverityCritical]
	}
	return rank >= severityRank[floor]
}

// Notifier 是单个通知渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 接收告警事件。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 把事件广播到各渠道，可按渠道设置最低级别，并在窗口期内合并相同告警。
type FanoutDispatcher struct {
	notifiers []Notifier
	floors    map[Channel]xerrors.Severity
	window    time.Duration
	now       func() time.Time

	mu         sync.Mutex
	lastSent   map[string]time.Time
	suppressed map[string]int
}

// FanoutOption 配置 FanoutDispatcher。
type FanoutOption func(*FanoutDispatcher)

// WithMinSeverity 只把不低于 floor 的事件发往 channel。
func WithMinSeverity(channel Channel, floor xerrors.Severity) FanoutOption {
	return func(d *FanoutDispatcher) {
		if floor != "" {
			d.floors[channel] = floor
		}
	}
}

// WithThrottle 在 window 内相同错误码与对象的告警只发送一次，下一次发送时附带被合并的次数。
func WithThrottle(window time.Duration) FanoutOption {
	return func(d *FanoutDispatcher) {
		d.window = window
	}
}

// NewFanout 创建 FanoutDispatcher，同一渠道只保留最后一个通知器。
func NewFanout(notifiers []Notifier, opts ...FanoutOption) *FanoutDispatcher {
	d := &FanoutDispatcher{
		floors:     make(map[Channel]xerrors.Severity),
		now:        time.Now,
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
	byChannel := make(map[Channel]int)
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if idx, ok := byChannel[n.Channel()]; ok {
			d.notifiers[idx] = n
			continue
		}
		byChannel[n.Channel()] = len(d.notifiers)
		d.notifiers = append(d.notifiers, n)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Notify 将事件广播至满足级别要求的渠道。被合并的告警返回 nil。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now()
	}
	merged, ok := d.admit(event)
	if !ok {
		return nil
	}
	if merged > 0 {
		event.Metadata = maps.Clone(event.Metadata)
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, 1)
		}
		event.Metadata["suppressed"] = fmt.Sprint(merged)
	}

	var errs []error
	for _, notifier := range d.notifiers {
		if floor, ok := d.floors[notifier.Channel()]; ok && !AtLeast(event.Severity, floor) {
			continue
		}
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// admit 返回窗口期内被合并的条数以及本次是否应当发送。
func (d *FanoutDispatcher) admit(event Event) (int, bool) {
	if d.window <= 0 {
		return 0, true
	}
	key := event.key()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSent[key]; ok && event.OccurredAt.Sub(last) < d.window {
		d.suppressed[key]++
		return 0, false
	}
	merged := d.suppressed[key]
	delete(d.suppressed, key)
	d.lastSent[key] = event.OccurredAt
	return merged, true
}

// LogNotifier 把告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("resource", event.Resource),
		slog.String("message", event.Message),
	}
	if event.MaxRetries > 0 {
		attrs = append(attrs, slog.Int("attempts", event.Attempts), slog.Int("max_retries", event.MaxRetries))
	}
	for _, k := range slices.Sorted(maps.Keys(event.Metadata)) {
		attrs = append(attrs, slog.String(k, event.Metadata[k]))
	}
	logger.Audit().Warn("alert", attrs...)
	return nil
}

// EmailSender 发送纯文本邮件。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("resource", event.Resource))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	var b strings.Builder
	fmt.Fprintf(&b, "告警时间: %s\n对象: %s\n", event.OccurredAt.Format(time.RFC3339), event.Resource)
	if event.MaxRetries > 0 {
		fmt.Fprintf(&b, "重试: %d/%d\n", event.Attempts, event.MaxRetries)
	}
	fmt.Fprintf(&b, "错误码: %s\n描述: %s", event.Code, event.Message)
	if len(event.Metadata) > 0 {
		b.WriteString("\n详情:\n")
		for _, k := range slices.Sorted(maps.Keys(event.Metadata)) {
			fmt.Fprintf(&b, "- %s: %s\n", k, event.Metadata[k])
		}
	}
	return n.Sender.Send(ctx, subject, b.String(), n.To)
}
