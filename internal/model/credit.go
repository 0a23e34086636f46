package model

import (
	"github.com/shopspring/decimal"
)

// Credit 用户积分余额表，每个用户一行
// 余额只能通过 Ledger.ApplyDelta 修改，保证与 credit_log 一致
type Credit struct {
	ID        string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"`
	Balance   decimal.Decimal `gorm:"column:credit;type:decimal(24,12);not null" json:"credit"`
	Version   int             `gorm:"not null;default:0" json:"-"` // 乐观锁版本号
	CreatedAt int64           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt int64           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Credit) TableName() string {
	return "credit"
}
