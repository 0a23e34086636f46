package main

import (
	"creditpay/internal/infrastructure/database"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "创建或更新数据库表结构",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, log, err := bootstrap()
		if err != nil {
			return err
		}
		db, closeDB, err := openDB(cfg, log)
		if err != nil {
			return err
		}
		defer closeDB()
		return database.Migrate(db, log)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
