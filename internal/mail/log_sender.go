package mail

import (
	"context"
	"log/slog"

	"ShopAssist/pkg/logger"
)

// LogSender 在未配置 SMTP 时代替 Mailer，只把邮件摘要写入审计日志。
type LogSender struct{}

// SendHTML 记录一封未实际发出的邮件。
func (LogSender) SendHTML(_ context.Context, to, subject, html string) error {
	logger.Audit().Info("email_logged",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.Int("bytes", len(html)),
	)
	return nil
}
