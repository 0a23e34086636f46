package job

import (
	"context"
	"time"

	"creditpay/internal/metrics"
	"creditpay/internal/model"
	"creditpay/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MessageSender 消息投递，生产环境为 mq.Publisher
type MessageSender interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 轮询 outbox 表，把积分事件投递到 Kafka
type OutboxSender struct {
	outboxRepo    *repository.OutboxRepository
	sender        MessageSender
	metrics       *metrics.CreditMetrics
	log           logrus.FieldLogger
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
	maxRetryCount int
}

func NewOutboxSender(db *gorm.DB, sender MessageSender, maxRetryCount int, m *metrics.CreditMetrics, log logrus.FieldLogger) *OutboxSender {
	if maxRetryCount <= 0 {
		maxRetryCount = 5
	}
	return &OutboxSender{
		outboxRepo:    repository.NewOutboxRepository(db),
		sender:        sender,
		metrics:       m,
		log:           log.WithField("job", "outbox_sender"),
		stopCh:        make(chan struct{}),
		interval:      500 * time.Millisecond,
		batchSize:     100,
		maxRetryCount: maxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.ProcessPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPendingMessages 投递一批待发送消息，返回成功条数
func (s *OutboxSender) ProcessPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.ListPending(ctx, s.batchSize)
	if err != nil {
		s.log.WithError(err).Error("查询消息失败")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	logger := s.log.WithFields(logrus.Fields{
		"id":    msg.ID,
		"event": msg.Event,
		"topic": msg.Topic,
		"key":   msg.MessageKey,
	})

	err := s.sender.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		s.observe("sent")
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			logger.WithError(updateErr).Error("更新消息状态失败")
		} else {
			logger.Debug("消息发送成功")
		}
		return true
	}

	s.observe("error")
	logger.WithError(err).Warn("消息发送失败")

	abandoned, err := s.outboxRepo.RecordFailure(ctx, msg, s.maxRetryCount)
	if err != nil {
		logger.WithError(err).Error("记录投递失败次数失败")
		return false
	}
	if abandoned {
		s.observe("failed")
		logger.WithField("retry_count", msg.RetryCount).Warn("消息超过最大重试次数，标记为失败")
	}
	return false
}

func (s *OutboxSender) observe(result string) {
	if s.metrics != nil {
		s.metrics.OutboxSentTotal.WithLabelValues(result).Inc()
	}
}
