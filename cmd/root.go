// Package cmd wires the caravel command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caravel-registry/caravel/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "caravel",
	Short: "Caravel - caching proxy for OCI container registries",
	Long: `Caravel sits between container clients and upstream registries,
serving pulls from a content-addressed local cache and mirroring pushes
to the configured upstream.`,
}

// Execute runs the CLI with build metadata injected via ldflags.
func Execute(version, commit, date string) {
	setVersionInfo(version, commit, date)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./caravel.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("caravel")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if userConfigDir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(userConfigDir + "/caravel")
		}
		viper.AddConfigPath("/etc/caravel")
	}

	viper.SetEnvPrefix("CARAVEL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		logger.Fatal("Failed to read config file", "path", cfgFile, "error", err)
	}

	if lvl, _ := rootCmd.PersistentFlags().GetString("log-level"); lvl != "" {
		logger.Get().SetLogLevel(lvl)
	}
}
