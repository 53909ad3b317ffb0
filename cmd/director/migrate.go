package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/config"
	"github.com/jbweber/homelab/director/internal/datastore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and sync configured subnets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd.Flags(), nil)
		if err != nil {
			return err
		}
		logger, err := config.NewLogger(c.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		db, err := c.InitializeDatabase()
		if err != nil {
			return err
		}
		ds := datastore.New(db)
		defer ds.Close()

		subnets, err := c.DomainSubnets()
		if err != nil {
			return err
		}
		if err := config.SyncSubnets(cmd.Context(), ds, subnets, logger); err != nil {
			return err
		}
		logger.Info("database ready", zap.String("path", c.Database.Path))
		return nil
	},
}
