package gateway

import (
	"net/http"
	"time"

	"creditpay/internal/config"

	"github.com/sirupsen/logrus"
)

// NewClientsFromConfig 按配置构造已启用的网关客户端
func NewClientsFromConfig(cfg *config.Config, log logrus.FieldLogger) ([]Client, error) {
	timeout := time.Duration(cfg.Business.GatewayTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	var clients []Client
	if cfg.Alipay.Enabled() {
		c, err := NewAlipayClient(cfg.Alipay, cfg.Business.SiteName, httpClient, log)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if cfg.EZFP.Enabled() {
		c, err := NewEZFPClient(cfg.EZFP, cfg.Business.SiteName, httpClient, log)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}
