package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditpay/internal/config"
	"creditpay/internal/gateway"
	"creditpay/internal/handler"
	"creditpay/internal/infrastructure/cache"
	"creditpay/internal/infrastructure/database"
	"creditpay/internal/infrastructure/mq"
	"creditpay/internal/job"
	"creditpay/internal/metrics"
	"creditpay/internal/service"
	"creditpay/pkg/idgen"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var workerID int64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 服务与后台任务",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int64Var(&workerID, "worker-id", 1, "雪花算法机器ID，多实例部署时必须不同")
}

func ledgerConfig(cfg config.CreditConfig) (service.LedgerConfig, error) {
	initial, err := decimal.NewFromString(cfg.DefaultCredit)
	if err != nil {
		return service.LedgerConfig{}, fmt.Errorf("credit.default_credit: %w", err)
	}
	return service.LedgerConfig{
		DefaultCredit:  initial,
		AllowOverdraft: cfg.AllowOverdraft,
		MaxRetries:     cfg.MaxRetries,
		NoCreditMsg:    cfg.NoCreditMsg,
	}, nil
}

// watchGateways 配置文件变更时重建网关客户端，新配置无效时保留旧客户端
func watchGateways(v *viper.Viper, registry *gateway.Registry, log logrus.FieldLogger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg, err := config.New(v)
		if err != nil {
			log.WithError(err).Error("重新加载配置失败")
			return
		}
		clients, err := gateway.NewClientsFromConfig(newCfg, log)
		if err != nil {
			log.WithError(err).Error("网关配置无效，继续使用旧配置")
			return
		}
		registry.Reload(clients...)
		log.WithFields(logrus.Fields{
			"file":     e.Name,
			"gateways": registry.Names(),
		}).Info("网关配置已重新加载")
	})
	v.WatchConfig()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, v, log, err := bootstrap()
	if err != nil {
		return err
	}

	// 初始化 ID 生成器
	if err := idgen.Init(workerID); err != nil {
		return err
	}

	ledgerCfg, err := ledgerConfig(cfg.Credit)
	if err != nil {
		return err
	}
	exchangeRatio, err := decimal.NewFromString(cfg.Credit.ExchangeRatio)
	if err != nil {
		return fmt.Errorf("credit.exchange_ratio: %w", err)
	}

	db, closeDB, err := openDB(cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db, log); err != nil {
			return err
		}
	}

	redisClient, err := cache.InitRedis(&cfg.Redis, log)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var (
		publisher *mq.Publisher
		outbox    *service.EventOutbox
	)
	if cfg.Kafka.Enabled() {
		publisher, err = mq.InitKafka(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer publisher.Close()
		outbox = service.NewEventOutbox(db, cfg.Kafka.Topic.CreditEvent)
	} else {
		log.Info("未配置 Kafka，积分事件不投递")
	}

	clients, err := gateway.NewClientsFromConfig(cfg, log)
	if err != nil {
		return err
	}
	registry := gateway.NewRegistry(clients...)
	if configPath != "" {
		watchGateways(v, registry, log)
	}

	m := metrics.GetMetrics()
	var balanceCache *cache.BalanceCache
	if redisClient != nil {
		balanceCache = cache.NewBalanceCache(redisClient, 5*time.Minute)
	}

	ledger := service.NewLedger(db, ledgerCfg, balanceCache, m, log)
	tickets := service.NewTicketService(db, m, log)
	services := handler.Services{
		Ledger:     ledger,
		Tickets:    tickets,
		Redemption: service.NewRedemptionService(db, ledger, outbox, m, log),
		Callbacks: service.NewCallbackService(service.CallbackDeps{
			DB:            db,
			Registry:      registry,
			Tickets:       tickets,
			Ledger:        ledger,
			Outbox:        outbox,
			Redis:         redisClient,
			ExchangeRatio: exchangeRatio,
			Metrics:       m,
			Log:           log,
		}),
		TopUp: service.NewTopUpService(registry, tickets, time.Duration(cfg.Business.GatewayTimeoutSec)*time.Second, m, log),
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	if publisher != nil {
		outboxSender := job.NewOutboxSender(db, publisher, cfg.Business.MaxRetryCount, m, log)
		go outboxSender.Start(ctx)
	}

	expiryJob := job.NewTicketExpiryJob(tickets, cfg.Business, log)
	go func() {
		if err := expiryJob.Start(ctx); err != nil {
			log.WithError(err).Error("充值单过期任务启动失败")
		}
	}()

	router := handler.SetupRouter(handler.NewHandler(services, log), log)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":     cfg.Server.Port,
			"gateways": registry.Names(),
		}).Info("服务启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("服务关闭异常")
	}

	log.Info("服务已关闭")
	return nil
}
