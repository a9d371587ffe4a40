package main

import (
	"github.com/spf13/cobra"

	"github.com/psyduckv2/psyduckd/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Creates the dimension, aggregate and daily-event tables if they do not
exist. Run this before the first serve; the daemon never alters table
shapes at runtime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := openDB()
		if err != nil {
			return err
		}
		defer func() { _ = pool.Close() }()

		return pool.Migrate(cmd.Context())
	},
}

func openDB() (*db.DB, error) {
	return db.Open(db.Config{
		Host:            cfg.DB.Host,
		Port:            cfg.DB.Port,
		User:            cfg.DB.User,
		Password:        cfg.DB.Password,
		Name:            cfg.DB.Name,
		PoolMin:         cfg.DB.PoolMin,
		PoolMax:         cfg.DB.PoolMax,
		ConnectTimeout:  cfg.DB.ConnectTimeout,
		PoolRecycleSec:  cfg.DB.PoolRecycleSec,
		RetryConnection: cfg.DB.RetryConnection,
		RetryDelaySec:   cfg.DB.RetryDelaySec,
	})
}

func openScannerDB() (*db.DB, error) {
	return db.Open(db.Config{
		Host:            cfg.ScannerDB.Host,
		Port:            cfg.ScannerDB.Port,
		User:            cfg.ScannerDB.User,
		Password:        cfg.ScannerDB.Password,
		Name:            cfg.ScannerDB.Name,
		PoolMin:         cfg.ScannerDB.PoolMin,
		PoolMax:         cfg.ScannerDB.PoolMax,
		ConnectTimeout:  cfg.ScannerDB.ConnectTimeout,
		PoolRecycleSec:  cfg.ScannerDB.PoolRecycleSec,
		RetryConnection: cfg.ScannerDB.RetryConnection,
		RetryDelaySec:   cfg.ScannerDB.RetryDelaySec,
	})
}
