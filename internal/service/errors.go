package service

import "errors"

// 业务错误，handler 通过 errors.Is 映射为响应码
var (
	ErrValidation         = errors.New("参数校验失败")
	ErrSignatureInvalid   = errors.New("回调签名校验失败")
	ErrNotFound           = errors.New("记录不存在")
	ErrInvalidTransition  = errors.New("状态迁移不合法")
	ErrAlreadyRedeemed    = errors.New("兑换码已被使用")
	ErrExpired            = errors.New("兑换码已过期")
	ErrNotOwned           = errors.New("兑换码不属于当前用户")
	ErrInsufficientCredit = errors.New("积分余额不足")
	ErrStorageConflict    = errors.New("存储冲突，请重试")
	ErrGatewayTimeout     = errors.New("支付网关超时")
	ErrGatewayRejected    = errors.New("支付网关拒绝")
)
