package gateway

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	CodeSuccess = 1
	CodeFailure = -1
)

// TradeResult 下单结果，网关客户端从不返回 error，统一用 Code 区分
type TradeResult struct {
	Code    int    `json:"code"`
	TradeNo string `json:"trade_no,omitempty"`
	QRCode  string `json:"qrcode,omitempty"`
	PayURL  string `json:"payurl,omitempty"`
	Msg     string `json:"msg,omitempty"`

	// Transient 为 true 表示没有拿到网关的明确答复（超时、网络错误），
	// 调用方不能据此把充值单标记为失败
	Transient bool `json:"-"`
	// Raw 网关原始响应摘录，写入充值单 detail
	Raw string `json:"-"`
}

func (r TradeResult) OK() bool {
	return r.Code == CodeSuccess
}

func failure(msg string) TradeResult {
	return TradeResult{Code: CodeFailure, Msg: msg, Raw: msg}
}

func transientFailure(err error) TradeResult {
	return TradeResult{Code: CodeFailure, Msg: err.Error(), Transient: true}
}

// NoticeStatus 回调通知中的支付状态
type NoticeStatus string

const (
	NoticePaid    NoticeStatus = "paid"
	NoticeFailed  NoticeStatus = "failed"
	NoticePending NoticeStatus = "pending"
)

// Notice 解析后的回调通知
type Notice struct {
	TradeNo        string
	GatewayTradeNo string
	Amount         decimal.Decimal
	Status         NoticeStatus
	RawStatus      string
}

// Client 支付网关客户端
type Client interface {
	Name() string
	// CheckAmount 按网关的金额控制串校验
	CheckAmount(amount decimal.Decimal) error
	CreateTrade(ctx context.Context, tradeNo string, amount decimal.Decimal) TradeResult
	// VerifyCallback 校验回调签名，任何失败都返回 false
	VerifyCallback(payload map[string]string) bool
	ParseNotice(payload map[string]string) (*Notice, error)
	// AckBody 处理成功后返回给网关的应答
	AckBody() string
}

// signContent 构造待签名串：排除签名字段，按 key 排序后以 & 连接 k=v
//
// decode 为 true 时对每个值做百分号解码（校验回调用）；skipEmpty 为 true 时跳过空值
func signContent(payload map[string]string, decode, skipEmpty bool, exclude ...string) string {
	skip := make(map[string]struct{}, len(exclude))
	for _, k := range exclude {
		skip[k] = struct{}{}
	}

	keys := make([]string, 0, len(payload))
	for k, v := range payload {
		if _, ok := skip[k]; ok {
			continue
		}
		if skipEmpty && v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v := payload[k]
		if decode {
			v = unquote(v)
		}
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, "&")
}

// unquote 百分号解码，不把 + 当作空格；非法转义时保留原值
// rejectCallback 记录验签失败原因，总是返回 false
func rejectCallback(log logrus.FieldLogger, payload map[string]string, reason string) bool {
	log.WithFields(logrus.Fields{
		"trade_no": payload["out_trade_no"],
		"reason":   reason,
	}).Warn("回调验签失败")
	return false
}

func unquote(v string) string {
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return v
	}
	return decoded
}

// Registry 按名字查找网关客户端，支持整体替换以实现配置热更新
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{}
	r.Reload(clients...)
	return r
}

// Reload 原子替换全部客户端，进行中的请求继续使用旧客户端
func (r *Registry) Reload(clients ...Client) {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	r.mu.Lock()
	r.clients = m
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("payment gateway %q not configured", name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
