package main

import (
	"fmt"
	"time"

	"creditpay/internal/metrics"
	"creditpay/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var codesCmd = &cobra.Command{
	Use:   "codes",
	Short: "管理兑换码",
}

var codesIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "批量生成兑换码并输出到标准输出",
	RunE:  runCodesIssue,
}

func init() {
	rootCmd.AddCommand(codesCmd)
	codesCmd.AddCommand(codesIssueCmd)

	codesIssueCmd.Flags().String("purpose", "", "用途标记")
	codesIssueCmd.Flags().String("amount", "", "每个兑换码的积分数")
	codesIssueCmd.Flags().Int("count", 1, "生成数量")
	codesIssueCmd.Flags().String("user", "", "绑定用户，为空表示任何人可兑换")
	codesIssueCmd.Flags().Int("expire-days", 0, "有效天数，0 表示永不过期")
	_ = codesIssueCmd.MarkFlagRequired("amount")
}

func runCodesIssue(cmd *cobra.Command, args []string) error {
	purpose, _ := cmd.Flags().GetString("purpose")
	amountStr, _ := cmd.Flags().GetString("amount")
	count, _ := cmd.Flags().GetInt("count")
	userID, _ := cmd.Flags().GetString("user")
	expireDays, _ := cmd.Flags().GetInt("expire-days")

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", amountStr, err)
	}

	cfg, _, log, err := bootstrap()
	if err != nil {
		return err
	}
	db, closeDB, err := openDB(cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	req := service.IssueRequest{
		Purpose: purpose,
		Amount:  amount,
		Count:   count,
		UserID:  userID,
	}
	if expireDays > 0 {
		expiredAt := time.Now().AddDate(0, 0, expireDays).Unix()
		req.ExpiredAt = &expiredAt
	}

	// 命令行不暴露指标，注册到独立的 registry
	m := metrics.NewCreditMetrics(prometheus.NewRegistry())
	svc := service.NewRedemptionService(db, nil, nil, m, log)
	codes, err := svc.Issue(cmd.Context(), req)
	if err != nil {
		return err
	}
	for _, c := range codes {
		fmt.Fprintln(cmd.OutOrStdout(), c.Code)
	}
	return nil
}
