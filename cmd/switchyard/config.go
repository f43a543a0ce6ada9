package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/config"
)

var configDescribe bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify switchyard configuration.

Without arguments, displays every key with its effective value and source.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the user config file.

Configuration is stored at ~/.config/switchyard/config.yaml
Project-specific overrides can be placed in .switchyard.yaml
Every key can be overridden with an environment variable, e.g.
SWITCHYARD_EXECUTION_MAX_CONCURRENCY for execution.max_concurrency.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 0:
			displayAllConfig()
			return nil
		case 1:
			return displayConfigKey(args[0])
		default:
			if err := config.SetUserValue(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configDescribe, "describe", false, "Show key descriptions and environment variables")
}

// displayAllConfig prints all configuration values.
func displayAllConfig() {
	if configDescribe {
		for _, k := range config.Keys() {
			fmt.Printf("%s\n", bold.Sprint(k.Key))
			fmt.Printf("  %s\n", k.Description)
			dim.Printf("  env %s, default %v\n", config.EnvVar(k.Key), k.Default)
		}
		return
	}
	for _, s := range config.Settings(cfg) {
		fmt.Printf("%s: %v %s\n", s.Key, s.Value, dim.Sprintf("(%s)", config.Source(s.Key)))
	}
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(key string) error {
	for _, s := range config.Settings(cfg) {
		if s.Key == key {
			fmt.Println(s.Value)
			return nil
		}
	}
	return fmt.Errorf("unknown configuration key: %s", key)
}
