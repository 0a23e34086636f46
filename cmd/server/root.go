package main

import (
	"fmt"

	"creditpay/internal/config"
	"creditpay/internal/infrastructure/database"
	"creditpay/pkg/logger"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "creditpay",
	Short:         "Credit ledger and payment reconciliation service",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "配置文件路径")
}

// bootstrap 加载配置并创建日志，所有子命令共用
func bootstrap() (*config.Config, *viper.Viper, *logrus.Logger, error) {
	cfg, v, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, v, logger.New(cfg.Log.Level, cfg.Log.Format), nil
}

func openDB(cfg *config.Config, log logrus.FieldLogger) (*gorm.DB, func(), error) {
	db, err := database.Open(&cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}
	return db, func() { sqlDB.Close() }, nil
}
