package gateway

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"creditpay/internal/config"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	GatewayEZFP = "ezfp"

	ezfpCallbackPath = "/api/v1/credit/callback/ezfp"

	PayPriorityQRCode = "qrcode"
	PayPriorityLink   = "link"
)

type clientIPKey struct{}

// WithClientIP 把终端用户 IP 放进 context，易支付下单需要 clientip
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func clientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// EZFPClient 易支付协议（mapi.php）客户端
type EZFPClient struct {
	cfg        config.EZFPConfig
	siteName   string
	httpClient *http.Client
	log        logrus.FieldLogger
}

func NewEZFPClient(cfg config.EZFPConfig, siteName string, httpClient *http.Client, log logrus.FieldLogger) (*EZFPClient, error) {
	if _, err := ParseAmountControl(cfg.AmountControl); err != nil {
		return nil, fmt.Errorf("ezfp amount_control: %w", err)
	}
	switch cfg.PayPriority {
	case "":
		cfg.PayPriority = PayPriorityQRCode
	case PayPriorityQRCode, PayPriorityLink:
	default:
		return nil, fmt.Errorf("ezfp pay_priority must be %s or %s, got %q", PayPriorityQRCode, PayPriorityLink, cfg.PayPriority)
	}
	if cfg.PayType == "" {
		cfg.PayType = "alipay"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &EZFPClient{
		cfg:        cfg,
		siteName:   siteName,
		httpClient: httpClient,
		log:        log.WithField("gateway", GatewayEZFP),
	}, nil
}

func (c *EZFPClient) Name() string { return GatewayEZFP }

func (c *EZFPClient) AckBody() string { return "success" }

func (c *EZFPClient) CheckAmount(amount decimal.Decimal) error {
	return CheckAmount(amount, c.cfg.AmountControl)
}

func (c *EZFPClient) sign(payload map[string]string, decode bool) string {
	sum := md5.Sum([]byte(signContent(payload, decode, true, "sign", "sign_type") + c.cfg.Key))
	return hex.EncodeToString(sum[:])
}

// flexInt 兼容 "code":1 与 "code":"1" 两种写法
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type ezfpCreateResponse struct {
	Code    flexInt `json:"code"`
	Msg     string  `json:"msg"`
	TradeNo string  `json:"trade_no"`
	PayURL  string  `json:"payurl"`
	QRCode  string  `json:"qrcode"`
}

func (c *EZFPClient) CreateTrade(ctx context.Context, tradeNo string, amount decimal.Decimal) TradeResult {
	if err := c.CheckAmount(amount); err != nil {
		return failure(err.Error())
	}

	host := strings.TrimRight(c.cfg.CallbackHost, "/")
	params := map[string]string{
		"pid":          c.cfg.PID,
		"type":         c.cfg.PayType,
		"out_trade_no": tradeNo,
		"notify_url":   host + ezfpCallbackPath,
		"return_url":   host,
		"name":         c.siteName + " Credit",
		"money":        amount.StringFixed(2),
		"clientip":     clientIPFrom(ctx),
	}
	params["sign"] = c.sign(params, false)
	params["sign_type"] = "MD5"

	form := url.Values{}
	for k, v := range params {
		if v != "" {
			form.Set(k, v)
		}
	}

	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + "/mapi.php"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return failure(err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WithError(err).WithField("trade_no", tradeNo).Warn("ezfp 下单请求失败")
		return transientFailure(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transientFailure(err)
	}
	if resp.StatusCode != http.StatusOK {
		return transientFailure(fmt.Errorf("ezfp http status %d", resp.StatusCode))
	}

	var parsed ezfpCreateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return transientFailure(fmt.Errorf("ezfp unexpected response: %s", truncate(string(body), 256)))
	}
	if parsed.Code != 1 {
		c.log.WithFields(logrus.Fields{
			"trade_no": tradeNo,
			"code":     int(parsed.Code),
			"msg":      parsed.Msg,
		}).Warn("ezfp 下单被拒绝")
		r := failure(string(body))
		r.Msg = parsed.Msg
		return r
	}

	result := TradeResult{Code: CodeSuccess, TradeNo: tradeNo, Raw: string(body)}
	switch {
	case c.cfg.PayPriority == PayPriorityLink && parsed.PayURL != "":
		result.PayURL = parsed.PayURL
	case parsed.QRCode != "":
		result.QRCode = parsed.QRCode
	case parsed.PayURL != "":
		result.PayURL = parsed.PayURL
	default:
		r := failure(string(body))
		r.Msg = "ezfp response carries neither qrcode nor payurl"
		return r
	}
	return result
}

// VerifyCallback 回调参数需与 pid 一致且 md5 签名匹配（大小写不敏感），失败原因记入日志
func (c *EZFPClient) VerifyCallback(payload map[string]string) bool {
	if c.cfg.Key == "" {
		return rejectCallback(c.log, payload, "ezfp key not configured")
	}
	sign := strings.ToLower(payload["sign"])
	if sign == "" {
		return rejectCallback(c.log, payload, "missing sign")
	}
	if pid := payload["pid"]; pid != "" && pid != c.cfg.PID {
		return rejectCallback(c.log, payload, "pid mismatch: "+pid)
	}
	expected := c.sign(payload, true)
	if subtle.ConstantTimeCompare([]byte(sign), []byte(expected)) != 1 {
		return rejectCallback(c.log, payload, "signature mismatch")
	}
	return true
}

func (c *EZFPClient) ParseNotice(payload map[string]string) (*Notice, error) {
	tradeNo := payload["out_trade_no"]
	if tradeNo == "" {
		return nil, errors.New("missing out_trade_no")
	}
	amount, err := decimal.NewFromString(payload["money"])
	if err != nil {
		return nil, fmt.Errorf("invalid money: %w", err)
	}

	n := &Notice{
		TradeNo:        tradeNo,
		GatewayTradeNo: payload["trade_no"],
		Amount:         amount,
		RawStatus:      payload["trade_status"],
		Status:         NoticePending,
	}
	if n.RawStatus == "TRADE_SUCCESS" {
		n.Status = NoticePaid
	}
	return n, nil
}
