package outbox

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	xerrors "ShopAssist/internal/errors"
	"ShopAssist/pkg/logger"
)

// Service 负责邮件的提交与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造邮件服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建邮件并推送到队列。相同 ID 重复提交时返回已有记录，不会重复投递。
func (s *Service) Submit(ctx context.Context, req Request) (*Message, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "邮件服务未初始化")
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(req.To)); err != nil {
		return nil, xerrors.Wrap(CodeMessageValidation, err, "收件人地址无效")
	}
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.HTML) == "" {
		return nil, xerrors.New(CodeMessageValidation, "邮件主题和正文不能为空")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		msg, err := s.store.Get(ctx, id)
		if err == nil {
			return msg, nil
		}
		if !stdErrors.Is(err, ErrMessageNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	msg := &Message{
		ID:             id,
		ConversationID: req.ConversationID,
		To:             strings.TrimSpace(req.To),
		Subject:        req.Subject,
		HTML:           req.HTML,
		Status:         StatusPending,
		MaxRetries:     s.maxRetries,
	}
	if err := s.store.Create(ctx, msg); err != nil {
		if stdErrors.Is(err, ErrMessageConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, Delivery{MessageID: id, ConversationID: req.ConversationID, Attempt: 1}, 0); err != nil {
		logger.L().Error("邮件入队失败", slog.Any("error", err), slog.String("message_id", id))
		wrapped := xerrors.Wrap(CodeMessagePublish, err, "发布邮件到队列失败")
		_ = s.store.MarkFailed(ctx, id, CodeMessagePublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("email_queued",
		slog.String("message_id", id),
		slog.String("conversation_id", req.ConversationID),
		slog.String("to", msg.To),
		slog.Int("max_retries", msg.MaxRetries),
	)
	return msg, nil
}

// Get 返回指定邮件的状态。
func (s *Service) Get(ctx context.Context, id string) (*Message, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "邮件存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Close 释放资源。
func (s *Service) Close() error {
	var err error
	if s.store != nil {
		err = s.store.Close()
	}
	if s.producer != nil {
		err = stdErrors.Join(err, s.producer.Close())
	}
	return err
}
