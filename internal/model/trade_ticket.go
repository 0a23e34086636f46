package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	TicketStatusPending = "pending"
	TicketStatusPaid    = "paid"
	TicketStatusFailed  = "failed"
	TicketStatusExpired = "expired"
)

// ValidTicketTransitions 只有 pending 可以迁移，终态不可再变
var ValidTicketTransitions = map[string][]string{
	TicketStatusPending: {TicketStatusPaid, TicketStatusFailed, TicketStatusExpired},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidTicketTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// TradeTicketDetail 网关相关信息
type TradeTicketDetail struct {
	Gateway         string `json:"gateway"`
	Status          string `json:"status"`
	GatewayTradeNo  string `json:"gateway_trade_no,omitempty"`
	GatewayResponse string `json:"gateway_response,omitempty"`
	Credit          string `json:"credit,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// TradeTicket 充值单，ID 即交给网关的商户订单号
type TradeTicket struct {
	ID        string                                `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID    string                                `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Amount    decimal.Decimal                       `gorm:"type:decimal(24,12);not null" json:"amount"`
	Status    string                                `gorm:"type:varchar(20);index;not null" json:"status"`
	Detail    datatypes.JSONType[TradeTicketDetail] `json:"detail"`
	CreatedAt int64                                 `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt int64                                 `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TradeTicket) TableName() string {
	return "trade_ticket"
}
