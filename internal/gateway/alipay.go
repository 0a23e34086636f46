package gateway

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creditpay/internal/config"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	GatewayAlipay = "alipay"

	alipayMethodPrecreate = "alipay.trade.precreate"
	alipaySuccessCode     = "10000"
	alipayCallbackPath    = "/api/v1/credit/callback/alipay"
)

// AlipayClient 支付宝当面付（预下单）客户端
type AlipayClient struct {
	cfg        config.AlipayConfig
	siteName   string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	httpClient *http.Client
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewAlipayClient 解析密钥；密钥格式错误直接返回 error，避免运行时才发现
func NewAlipayClient(cfg config.AlipayConfig, siteName string, httpClient *http.Client, log logrus.FieldLogger) (*AlipayClient, error) {
	if _, err := ParseAmountControl(cfg.AmountControl); err != nil {
		return nil, fmt.Errorf("alipay amount_control: %w", err)
	}

	c := &AlipayClient{
		cfg:        cfg,
		siteName:   siteName,
		httpClient: httpClient,
		log:        log.WithField("gateway", GatewayAlipay),
		now:        time.Now,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	if cfg.AppPrivateKey != "" {
		key, err := parsePrivateKey(cfg.AppPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("alipay app_private_key: %w", err)
		}
		c.privateKey = key
	}
	if cfg.AlipayPublicKey != "" {
		key, err := parsePublicKey(cfg.AlipayPublicKey)
		if err != nil {
			return nil, fmt.Errorf("alipay alipay_public_key: %w", err)
		}
		c.publicKey = key
	}
	return c, nil
}

func (c *AlipayClient) Name() string { return GatewayAlipay }

func (c *AlipayClient) AckBody() string { return "success" }

func (c *AlipayClient) CheckAmount(amount decimal.Decimal) error {
	return CheckAmount(amount, c.cfg.AmountControl)
}

type alipayPrecreateResponse struct {
	Response struct {
		Code       string `json:"code"`
		Msg        string `json:"msg"`
		SubCode    string `json:"sub_code"`
		SubMsg     string `json:"sub_msg"`
		OutTradeNo string `json:"out_trade_no"`
		QRCode     string `json:"qr_code"`
	} `json:"alipay_trade_precreate_response"`
}

// CreateTrade 调用 alipay.trade.precreate 获取收款二维码
func (c *AlipayClient) CreateTrade(ctx context.Context, tradeNo string, amount decimal.Decimal) TradeResult {
	if err := c.CheckAmount(amount); err != nil {
		return failure(err.Error())
	}
	if c.privateKey == nil {
		return failure("alipay app_private_key not configured")
	}

	biz := map[string]string{
		"out_trade_no": tradeNo,
		"total_amount": amount.StringFixed(2),
		"subject":      c.siteName + " Credit",
	}
	if c.cfg.ProductCode != "" {
		biz["product_code"] = c.cfg.ProductCode
	}
	bizContent, err := json.Marshal(biz)
	if err != nil {
		return failure(err.Error())
	}

	params := map[string]string{
		"app_id":      c.cfg.AppID,
		"method":      alipayMethodPrecreate,
		"format":      "JSON",
		"charset":     "utf-8",
		"sign_type":   "RSA2",
		"timestamp":   c.now().Format("2006-01-02 15:04:05"),
		"version":     "1.0",
		"notify_url":  strings.TrimRight(c.cfg.CallbackHost, "/") + alipayCallbackPath,
		"biz_content": string(bizContent),
	}
	sign, err := c.sign(signContent(params, false, false, "sign"))
	if err != nil {
		return failure(err.Error())
	}
	params["sign"] = sign

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL, strings.NewReader(form.Encode()))
	if err != nil {
		return failure(err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WithError(err).WithField("trade_no", tradeNo).Warn("alipay 预下单请求失败")
		return transientFailure(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transientFailure(err)
	}
	if resp.StatusCode != http.StatusOK {
		return transientFailure(fmt.Errorf("alipay http status %d", resp.StatusCode))
	}

	var parsed alipayPrecreateResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Response.Code == "" {
		return transientFailure(fmt.Errorf("alipay unexpected response: %s", truncate(string(body), 256)))
	}

	if parsed.Response.Code != alipaySuccessCode {
		c.log.WithFields(logrus.Fields{
			"trade_no": tradeNo,
			"code":     parsed.Response.Code,
			"sub_code": parsed.Response.SubCode,
		}).Warn("alipay 预下单被拒绝")
		r := failure(string(body))
		r.Msg = strings.TrimSpace(parsed.Response.Msg + " " + parsed.Response.SubMsg)
		return r
	}

	return TradeResult{
		Code:    CodeSuccess,
		TradeNo: parsed.Response.OutTradeNo,
		QRCode:  parsed.Response.QRCode,
		Raw:     string(body),
	}
}

func (c *AlipayClient) sign(content string) (string, error) {
	digest := sha256.Sum256([]byte(content))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyCallback 校验异步通知签名，失败原因记入日志
func (c *AlipayClient) VerifyCallback(payload map[string]string) bool {
	if c.publicKey == nil {
		return rejectCallback(c.log, payload, "alipay_public_key not configured")
	}
	sign := payload["sign"]
	if sign == "" {
		return rejectCallback(c.log, payload, "missing sign")
	}
	sig, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return rejectCallback(c.log, payload, "sign is not base64")
	}

	content := []byte(signContent(payload, true, false, "sign", "sign_type"))
	hash := crypto.SHA256
	var digest []byte
	// sign_type=RSA 为旧版 SHA1withRSA
	if payload["sign_type"] == "RSA" {
		sum := sha1.Sum(content)
		hash, digest = crypto.SHA1, sum[:]
	} else {
		sum := sha256.Sum256(content)
		digest = sum[:]
	}
	if err := rsa.VerifyPKCS1v15(c.publicKey, hash, digest, sig); err != nil {
		return rejectCallback(c.log, payload, "signature mismatch")
	}
	return true
}

func (c *AlipayClient) ParseNotice(payload map[string]string) (*Notice, error) {
	tradeNo := payload["out_trade_no"]
	if tradeNo == "" {
		return nil, errors.New("missing out_trade_no")
	}
	if appID := payload["app_id"]; appID != "" && appID != c.cfg.AppID {
		return nil, fmt.Errorf("app_id mismatch: %s", appID)
	}
	amount, err := decimal.NewFromString(payload["total_amount"])
	if err != nil {
		return nil, fmt.Errorf("invalid total_amount: %w", err)
	}

	n := &Notice{
		TradeNo:        tradeNo,
		GatewayTradeNo: payload["trade_no"],
		Amount:         amount,
		RawStatus:      payload["trade_status"],
	}
	switch n.RawStatus {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		n.Status = NoticePaid
	case "TRADE_CLOSED":
		n.Status = NoticeFailed
	default:
		n.Status = NoticePending
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
