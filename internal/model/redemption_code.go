package model

import (
	"github.com/shopspring/decimal"
)

// RedemptionCode 兑换码表
// UserID 为空表示任何用户都可兑换；ReceivedAt 只会从 NULL 变为时间戳一次
type RedemptionCode struct {
	Code       string          `gorm:"type:varchar(64);primaryKey" json:"code"`
	Purpose    string          `gorm:"type:varchar(64);index" json:"purpose"`
	UserID     *string         `gorm:"type:varchar(64);index" json:"user_id"`
	Amount     decimal.Decimal `gorm:"type:decimal(24,12);not null" json:"amount"`
	ReceivedBy *string         `gorm:"type:varchar(64)" json:"received_by"`
	CreatedAt  int64           `gorm:"autoCreateTime;index" json:"created_at"`
	ExpiredAt  *int64          `gorm:"index" json:"expired_at"`
	ReceivedAt *int64          `gorm:"index" json:"received_at"`
}

func (RedemptionCode) TableName() string {
	return "redemption_code"
}

// Expired 判断在 now 时刻是否已过期
func (c *RedemptionCode) Expired(now int64) bool {
	return c.ExpiredAt != nil && *c.ExpiredAt <= now
}
