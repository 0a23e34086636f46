package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
	Credit   CreditConfig   `mapstructure:"credit"`
	Alipay   AlipayConfig   `mapstructure:"alipay"`
	EZFP     EZFPConfig     `mapstructure:"ezfp"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig 支持 mysql 与 postgres 两种驱动
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Host 为空时不启用 Redis
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// KafkaConfig Brokers 为空时不启用 outbox 投递
type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type KafkaTopicConfig struct {
	CreditEvent string `mapstructure:"credit_event"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CreditConfig 积分账本策略
type CreditConfig struct {
	DefaultCredit  string `mapstructure:"default_credit"`
	ExchangeRatio  string `mapstructure:"exchange_ratio"`
	AllowOverdraft bool   `mapstructure:"allow_overdraft"`
	MaxRetries     int    `mapstructure:"max_retries"`
	NoCreditMsg    string `mapstructure:"no_credit_msg"`
}

type AlipayConfig struct {
	ServerURL       string `mapstructure:"server_url"`
	AppID           string `mapstructure:"app_id"`
	AppPrivateKey   string `mapstructure:"app_private_key"`
	AlipayPublicKey string `mapstructure:"alipay_public_key"`
	CallbackHost    string `mapstructure:"callback_host"`
	AmountControl   string `mapstructure:"amount_control"`
	ProductCode     string `mapstructure:"product_code"`
}

func (c AlipayConfig) Enabled() bool {
	return c.ServerURL != "" && c.AppID != ""
}

type EZFPConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	PID           string `mapstructure:"pid"`
	Key           string `mapstructure:"key"`
	CallbackHost  string `mapstructure:"callback_host"`
	AmountControl string `mapstructure:"amount_control"`
	PayType       string `mapstructure:"pay_type"`
	PayPriority   string `mapstructure:"pay_priority"`
}

func (c EZFPConfig) Enabled() bool {
	return c.Endpoint != "" && c.PID != ""
}

type BusinessConfig struct {
	SiteName            string `mapstructure:"site_name"`
	GatewayTimeoutSec   int    `mapstructure:"gateway_timeout_seconds"`
	TicketExpireMinutes int    `mapstructure:"ticket_expire_minutes"`
	TicketExpireCron    string `mapstructure:"ticket_expire_cron"`
	MaxRetryCount       int    `mapstructure:"max_retry_count"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("kafka.topic.credit_event", "credit_event")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("credit.default_credit", "0")
	v.SetDefault("credit.exchange_ratio", "1")
	v.SetDefault("credit.max_retries", 3)
	v.SetDefault("credit.no_credit_msg", "余额不足，请前往 设置-积分 充值")
	v.SetDefault("ezfp.pay_type", "alipay")
	v.SetDefault("ezfp.pay_priority", "qrcode")
	v.SetDefault("business.site_name", "CreditPay")
	v.SetDefault("business.gateway_timeout_seconds", 10)
	v.SetDefault("business.ticket_expire_minutes", 0)
	v.SetDefault("business.ticket_expire_cron", "@every 1m")
	v.SetDefault("business.max_retry_count", 5)
}

// New 从 viper 实例解析配置，便于热更新时复用
func New(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// LoadConfig 加载配置文件，环境变量 CREDITPAY_* 覆盖文件配置
func LoadConfig(configPath string) (*Config, *viper.Viper, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CREDITPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg, err := New(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}
