package cmd

import (
	"github.com/spf13/cobra"

	"pouw-captcha/apiconfig"
	"pouw-captcha/logging"
)

var configPath string

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pouw-captcha",
		Short:         "Risk-adaptive shard distribution and verification engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to $"+apiconfig.ConfigPathEnv+" or ./config.yaml)")

	rootCmd.AddCommand(
		ServeCommand(),
		StatusCommand(),
		ModelsCommand(),
	)
	return rootCmd
}

func loadConfig() (*apiconfig.ConfigManager, error) {
	if configPath != "" {
		return apiconfig.LoadConfigManager(configPath)
	}
	return apiconfig.LoadDefaultConfigManager()
}

// loadConfigQuietly loads the config without the loader's log lines, for
// commands whose only output is JSON.
func loadConfigQuietly() (*apiconfig.ConfigManager, error) {
	result, err := logging.WithNoopLogger(func() (any, error) {
		return loadConfig()
	})
	if err != nil {
		return nil, err
	}
	return result.(*apiconfig.ConfigManager), nil
}
