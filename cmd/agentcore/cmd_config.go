package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/user/agentcore/internal/config"
)

var configReveal bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configValidateCmd)
	configGetCmd.Flags().BoolVar(&configReveal, "reveal", false, "print secret values unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the configuration file",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective settings, env overrides applied, secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listConfig(cmd.OutOrStdout(), cfgPath)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value stored under a dotted key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getConfig(cmd.OutOrStdout(), cfgPath, args[0], configReveal)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a value under a dotted key and re-validate the file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConfig(cmd.OutOrStdout(), cfgPath, args[0], args[1])
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configuration and report the backends it selects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateConfig(cmd.OutOrStdout(), cfgPath)
	},
}

// summaryKeys are the settings validate reports back.
var summaryKeys = []string{
	"llm.provider",
	"llm.model",
	"llm.api_key",
	"storage.event_log",
	"storage.memory",
	"data_dir",
}

// effectiveValues loads path (defaults, file, env overrides, validation)
// and returns the result as masked dotted keys.
func effectiveValues(path string) (map[string]any, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return config.ListValues(cfg, true)
}

func printValues(w io.Writer, values map[string]any, keys []string) {
	for _, k := range keys {
		if v, ok := values[k]; ok {
			fmt.Fprintf(w, "%s = %v\n", k, v)
		}
	}
}

func listConfig(w io.Writer, path string) error {
	values, err := effectiveValues(path)
	if err != nil {
		return fmt.Errorf("list config: %w", err)
	}
	printValues(w, values, slices.Sorted(maps.Keys(values)))
	return nil
}

func getConfig(w io.Writer, path, key string, reveal bool) error {
	val, err := config.GetValue(path, key)
	if err != nil {
		return err
	}
	if !reveal {
		val = config.MaskSecrets(map[string]any{key: val})[key]
	}
	fmt.Fprintln(w, val)
	return nil
}

// setConfig writes key and keeps the change only if the file still loads.
func setConfig(w io.Writer, path, key, value string) error {
	if _, err := config.Load(path); err != nil {
		return err
	}
	prev, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := config.SetValue(path, key, value); err != nil {
		return err
	}
	if _, err := config.Load(path); err != nil {
		if rerr := os.WriteFile(path, prev, 0600); rerr != nil {
			return errors.Join(err, rerr)
		}
		return fmt.Errorf("rejected %s: %w", key, err)
	}
	shown := config.MaskSecrets(map[string]any{key: value})[key]
	fmt.Fprintf(w, "Set %s = %v\n", key, shown)
	return nil
}

func validateConfig(w io.Writer, path string) error {
	values, err := effectiveValues(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s is valid.\n", path)
	printValues(w, values, summaryKeys)
	return nil
}
