package job

import (
	"context"
	"fmt"
	"time"

	"creditpay/internal/config"
	"creditpay/internal/service"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// TicketExpiryJob 定时把超时未支付的充值单标记为过期
type TicketExpiryJob struct {
	tickets   *service.TicketService
	olderThan time.Duration
	schedule  string
	batchSize int
	scheduler *cron.Cron
	stopCh    chan struct{}
	log       logrus.FieldLogger
}

func NewTicketExpiryJob(tickets *service.TicketService, cfg config.BusinessConfig, log logrus.FieldLogger) *TicketExpiryJob {
	log = log.WithField("job", "ticket_expiry")
	schedule := cfg.TicketExpireCron
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &TicketExpiryJob{
		tickets:   tickets,
		olderThan: time.Duration(cfg.TicketExpireMinutes) * time.Minute,
		schedule:  schedule,
		batchSize: 100,
		scheduler: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(log)),
			cron.SkipIfStillRunning(cron.PrintfLogger(log)),
		)),
		stopCh: make(chan struct{}),
		log:    log,
	}
}

// Enabled ticket_expire_minutes 为 0 时不启用
func (j *TicketExpiryJob) Enabled() bool {
	return j.olderThan > 0
}

// Start 阻塞运行直到 ctx 结束或调用 Stop
func (j *TicketExpiryJob) Start(ctx context.Context) error {
	if !j.Enabled() {
		j.log.Info("充值单过期任务未启用")
		return nil
	}

	_, err := j.scheduler.AddFunc(j.schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		j.RunOnce(runCtx)
	})
	if err != nil {
		return fmt.Errorf("注册过期任务失败: %w", err)
	}

	j.scheduler.Start()
	j.log.WithFields(logrus.Fields{
		"schedule":   j.schedule,
		"older_than": j.olderThan.String(),
	}).Info("充值单过期任务启动")

	select {
	case <-ctx.Done():
		j.log.Info("收到停止信号，任务退出")
	case <-j.stopCh:
		j.log.Info("任务停止")
	}

	stopped := j.scheduler.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
		j.log.Warn("等待过期任务结束超时")
	}
	return nil
}

func (j *TicketExpiryJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一轮过期扫描，返回本轮过期的充值单数量
func (j *TicketExpiryJob) RunOnce(ctx context.Context) int {
	n, err := j.tickets.ExpireStale(ctx, j.olderThan, j.batchSize)
	if err != nil {
		j.log.WithError(err).Error("过期扫描失败")
		return 0
	}
	if n > 0 {
		j.log.WithField("count", n).Info("本轮过期充值单")
	}
	return n
}
