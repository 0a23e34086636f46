package handler

import (
	"creditpay/internal/gateway"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, log logrus.FieldLogger) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		credit := api.Group("/credit")
		{
			credit.GET("/balance", h.GetBalance)
			credit.GET("/logs", h.ListLogs)
			credit.POST("/charge", h.Charge)
			credit.POST("/grant", h.Grant)

			// 充值
			credit.POST("/topup", h.TopUp)
			credit.GET("/tickets", h.ListTickets)
			credit.GET("/tickets/:trade_no", h.GetTicket)

			// 兑换码
			credit.POST("/redeem", h.Redeem)
			credit.POST("/codes", h.IssueCodes)
			credit.GET("/codes", h.ListCodes)

			// 网关回调
			callback := credit.Group("/callback")
			{
				callback.POST("/alipay", h.Callback(gateway.GatewayAlipay))
				callback.GET("/ezfp", h.Callback(gateway.GatewayEZFP))
				callback.POST("/ezfp", h.Callback(gateway.GatewayEZFP))
			}
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
