package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// 变动原因
const (
	ReasonTopUp      = "topup"
	ReasonRedemption = "redemption"
	ReasonUsage      = "usage"
	ReasonAdmin      = "admin"
	ReasonRefund     = "refund"
)

// CreditLogDetail 流水附加信息
type CreditLogDetail struct {
	Reason        string          `json:"reason"`
	TradeNo       string          `json:"trade_no,omitempty"`
	Code          string          `json:"code,omitempty"`
	Feature       string          `json:"feature,omitempty"`
	Gateway       string          `json:"gateway,omitempty"`
	Remark        string          `json:"remark,omitempty"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// CreditLog 积分流水表
//
// 只追加，不修改，不删除；同一用户所有 Credit 之和等于当前余额减初始余额
type CreditLog struct {
	ID        string                              `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string                              `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Credit    decimal.Decimal                     `gorm:"column:credit;type:decimal(24,12);not null" json:"credit"`
	Detail    datatypes.JSONType[CreditLogDetail] `json:"detail"`
	CreatedAt int64                               `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditLog) TableName() string {
	return "credit_log"
}
