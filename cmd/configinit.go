package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// exampleConfig mirrors part of the recognized configuration surface
// (server, log, cache, upstreams, local storage, database) with its
// defaults filled in.
type exampleConfig struct {
	Server struct {
		BindAddress string `yaml:"bind_address"`
		Port        int    `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Cache struct {
		MaxSize        string `yaml:"max_size"`
		RetentionDays  int    `yaml:"retention_days"`
		EvictionPolicy string `yaml:"eviction_policy"`
	} `yaml:"cache"`
	Upstreams []map[string]any `yaml:"upstreams"`
	Storage   struct {
		Backend string `yaml:"backend"`
		Local   struct {
			Path string `yaml:"path"`
		} `yaml:"local"`
	} `yaml:"storage"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "caravel.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", path)
		}

		var cfg exampleConfig
		cfg.Server.BindAddress = "0.0.0.0"
		cfg.Server.Port = 5000
		cfg.Log.Level = "info"
		cfg.Cache.MaxSize = "10GB"
		cfg.Cache.RetentionDays = 30
		cfg.Cache.EvictionPolicy = "lru"
		cfg.Upstreams = []map[string]any{{
			"name":       "docker-hub",
			"url":        "https://registry-1.docker.io",
			"registry":   "library",
			"priority":   100,
			"enabled":    true,
			"is_default": true,
		}}
		cfg.Storage.Backend = "local"
		cfg.Storage.Local.Path = "./data/storage"
		cfg.Database.Path = "./data/caravel.db"

		out, err := yaml.Marshal(&cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return err
		}
		fmt.Println("Wrote", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
