// Package mail sends HTML product emails and plain-text alerts over SMTP.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	xerrors "ShopAssist/internal/errors"
)

// Config 描述 SMTP 连接参数。
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SendFunc 与 smtp.SendMail 的签名一致，测试时可替换。
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer 通过 SMTP 投递邮件。
type Mailer struct {
	cfg  Config
	send SendFunc
	now  func() time.Time
}

// Option 定义可选配置。
type Option func(*Mailer)

// WithSendFunc 替换底层 SMTP 发送函数。
func WithSendFunc(fn SendFunc) Option {
	return func(m *Mailer) {
		if fn != nil {
			m.send = fn
		}
	}
}

// New 创建 Mailer。
func New(cfg Config, opts ...Option) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SMTP host 不能为空")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "发件人不能为空")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	m := &Mailer{cfg: cfg, send: smtp.SendMail, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// SendHTML 投递一封 HTML 邮件。
func (m *Mailer) SendHTML(ctx context.Context, to, subject, html string) error {
	return m.deliver(ctx, []string{to}, subject, "text/html", html)
}

// Send 投递纯文本邮件，供告警通知使用。
func (m *Mailer) Send(ctx context.Context, subject, content string, to []string) error {
	return m.deliver(ctx, to, subject, "text/plain", content)
}

func (m *Mailer) deliver(ctx context.Context, to []string, subject, contentType, body string) error {
	if len(to) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "收件人不能为空")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	msg := m.compose(to, subject, contentType, body)

	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, auth, m.cfg.From, to, msg)
	}()
	select {
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "SMTP 投递超时")
	case err := <-done:
		if err != nil {
			return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "SMTP 投递失败")
		}
		return nil
	}
}

func (m *Mailer) compose(to []string, subject, contentType, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s; charset=\"utf-8\"\r\n\r\n", contentType)
	b.WriteString(body)
	return b.Bytes()
}
