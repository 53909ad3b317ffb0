// Command director discovers, commissions and tracks bare-metal machines.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jbweber/homelab/director/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "director",
	Short: "Bare-metal fleet controller",
	Long: `director answers DHCP, TFTP and HTTP boot requests from rack machines,
configures their BMCs over IPMI or Redfish and walks each machine through
discovery, commissioning and installation.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs and /etc/director for director.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("db", "", "database path")

	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd, versionCmd)
}

// loadConfig reads the config file and environment, then applies any
// flags the user set explicitly.
func loadConfig(flags *pflag.FlagSet, bindings map[string]string) (*config.Config, error) {
	v, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	all := map[string]string{
		"logging.level": "log-level",
		"database.path": "db",
	}
	for key, name := range bindings {
		all[key] = name
	}
	if err := bindFlags(v, flags, all); err != nil {
		return nil, err
	}

	c, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return c, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "director", version)
	},
}
