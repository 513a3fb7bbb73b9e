package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print the file as stored, without defaults or environment overrides")
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Tempo configuration",
	Long:  "View or modify the Tempo CLI configuration stored in ~/.tempo/config.toml.\nCache settings may also be overridden with TEMPO_* environment variables (e.g. TEMPO_PAGE_SIZE).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'tempo init <token>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token != "" {
			cfg.Auth.Token = maskKey(cfg.Auth.Token)
		}
		if cfg.Auth.WebhookSecret != "" {
			cfg.Auth.WebhookSecret = maskKey(cfg.Auth.WebhookSecret)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Long:  "Print one configuration value using dot notation.\nExample: tempo config get cache.page_size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		value, err := configValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExamples:\n  tempo config set default.team t-1\n  tempo config set cache.page_size 50",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// configValue reads a dot-notation key by round-tripping the config through
// its TOML form, so every key accepted by the file is readable.
func configValue(cfg *Config, key string) (string, error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return "", fmt.Errorf("key must use dot notation: section.field (e.g. cache.page_size)")
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}
	var doc map[string]map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("cannot read config: %w", err)
	}
	values, ok := doc[section]
	if !ok {
		return "", fmt.Errorf("unknown config section %q (valid: default, auth, cache)", section)
	}
	v, ok := values[field]
	if !ok {
		return "", fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	return fmt.Sprint(v), nil
}
