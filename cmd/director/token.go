package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/director/internal/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator token for the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd.Flags(), nil)
		if err != nil {
			return err
		}
		if c.HTTP.JWTSecret == "" {
			return errors.New("http.jwt_secret is not set; operator endpoints are unauthenticated")
		}

		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := api.IssueToken([]byte(c.HTTP.JWTSecret), subject, ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "operator", "token subject")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
