package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrAmountNotAllowed = errors.New("amount invalid")

// amountRule 单个金额或闭区间
type amountRule struct {
	min decimal.Decimal
	max decimal.Decimal
}

func (r amountRule) match(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(r.min) && amount.LessThanOrEqual(r.max)
}

// AmountControl 解析后的金额控制串
//
// 格式：逗号分隔，每项是精确金额（"10"、"9.90"）或闭区间（"10-100"）
type AmountControl struct {
	tokens []string
	rules  []amountRule
}

// ParseAmountControl 解析金额控制串，空串表示不限制
func ParseAmountControl(control string) (*AmountControl, error) {
	ac := &AmountControl{}
	for _, raw := range strings.Split(control, ",") {
		token := strings.TrimSpace(raw)
		if token == "" {
			continue
		}

		var rule amountRule
		if lo, hi, ok := strings.Cut(token, "-"); ok && lo != "" {
			min, err := decimal.NewFromString(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("invalid amount range %q: %w", token, err)
			}
			max, err := decimal.NewFromString(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("invalid amount range %q: %w", token, err)
			}
			if min.GreaterThan(max) {
				return nil, fmt.Errorf("invalid amount range %q: min greater than max", token)
			}
			rule = amountRule{min: min, max: max}
		} else {
			exact, err := decimal.NewFromString(token)
			if err != nil {
				return nil, fmt.Errorf("invalid amount %q: %w", token, err)
			}
			rule = amountRule{min: exact, max: exact}
		}

		ac.tokens = append(ac.tokens, token)
		ac.rules = append(ac.rules, rule)
	}
	return ac, nil
}

// centScale 网关按分收款，下单金额最多两位小数
const centScale = 2

// IsCentAmount 小数部分不超过两位，例如 10.5、10.50、10.500
func IsCentAmount(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(centScale))
}

// Allows 金额必须为正且精确到分；没有任何规则时只校验这两点
func (ac *AmountControl) Allows(amount decimal.Decimal) bool {
	if !amount.IsPositive() || !IsCentAmount(amount) {
		return false
	}
	if len(ac.rules) == 0 {
		return true
	}
	for _, r := range ac.rules {
		if r.match(amount) {
			return true
		}
	}
	return false
}

// Describe 返回允许金额列表，用于拒绝提示
func (ac *AmountControl) Describe() string {
	if len(ac.tokens) == 0 {
		return "any positive amount"
	}
	return strings.Join(ac.tokens, " ")
}

// CheckAmount 校验金额，失败时错误信息带上允许的金额
func CheckAmount(amount decimal.Decimal, control string) error {
	ac, err := ParseAmountControl(control)
	if err != nil {
		return fmt.Errorf("%w, %v", ErrAmountNotAllowed, err)
	}
	if amount.IsPositive() && !IsCentAmount(amount) {
		return fmt.Errorf("%w, at most %d decimal places", ErrAmountNotAllowed, centScale)
	}
	if !ac.Allows(amount) {
		return fmt.Errorf("%w, allows %s", ErrAmountNotAllowed, ac.Describe())
	}
	return nil
}
