package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/agentcore/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		fmt.Println("agentcore setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		runSetup(bufio.NewScanner(os.Stdin), os.Stdout, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// runSetup walks through the provider settings, editing cfg in place.
func runSetup(scanner *bufio.Scanner, w io.Writer, cfg *config.Config) {
	cfg.LLM.Provider = prompt(scanner, w, "LLM provider (anthropic or openai)", cfg.LLM.Provider)
	cfg.LLM.BaseURL = prompt(scanner, w, "LLM base URL (optional)", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = prompt(scanner, w, "LLM API key", cfg.LLM.APIKey)
	cfg.LLM.Model = prompt(scanner, w, "LLM model name", cfg.LLM.Model)
	if n, err := strconv.Atoi(prompt(scanner, w, "Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))); err == nil {
		cfg.LLM.MaxTokens = n
	}
	if n, err := strconv.Atoi(prompt(scanner, w, "Max turns per run", strconv.Itoa(cfg.MaxTurns))); err == nil {
		cfg.MaxTurns = n
	}
	cfg.Brave.APIKey = prompt(scanner, w, "Brave API key (optional)", cfg.Brave.APIKey)
}

// prompt shows label with its default and reads one line. Empty input keeps
// the default.
func prompt(scanner *bufio.Scanner, w io.Writer, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w, "%s [%s]: ", label, defaultVal)
	} else {
		fmt.Fprintf(w, "%s: ", label)
	}
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return defaultVal
}
