package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/aiconnectors"
	"github.com/livechat/internal/config"
	"github.com/livechat/internal/credentials"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Credentials the server does not hold
	Present  map[string]string // Credentials that are set (masked values)
	Warnings []string          // Non-fatal warnings
	Modes    map[string]bool   // Chat modes runnable with server credentials alone
}

// EnvCommand returns the command reporting which provider credentials and
// chat modes the server can serve
func EnvCommand() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "Show server-held provider credentials (masked) and usable chat modes",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "skip-ollama",
				Usage: "Do not contact the local Ollama server",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			var ollamaCheck func(context.Context, string) error
			if !c.Bool("skip-ollama") {
				ollamaCheck = aiconnectors.ValidateOllamaConnection
			}

			ctx, cancel := context.WithTimeout(c.Context, 15*time.Second)
			defer cancel()
			PrintConfigCheck(os.Stdout, CheckServerConfig(ctx, cfg, ollamaCheck))
			return nil
		},
	}
}

// CheckServerConfig inspects the credentials the server would hold with cfg.
// ollamaCheck, when non-nil, decides whether the local mode is usable.
func CheckServerConfig(ctx context.Context, cfg *config.Config, ollamaCheck func(context.Context, string) error) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
		Modes:    make(map[string]bool),
	}

	keys := cfg.ServerKeys()
	for _, kind := range keys.Present() {
		result.Present[string(kind)] = credentials.Mask(keys.Get(kind))
	}
	for _, kind := range credentials.Kinds {
		if !keys.Has(kind) {
			result.Missing = append(result.Missing, string(kind))
		}
	}

	ollamaOK := false
	if ollamaCheck != nil {
		if err := ollamaCheck(ctx, cfg.Providers.OllamaURL); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("local mode unavailable: %v", err))
		} else {
			ollamaOK = true
		}
	}

	for _, name := range aiconnectors.Modes() {
		binding, err := aiconnectors.LookupMode(name)
		if err != nil {
			continue
		}
		switch {
		case binding.Provider == aiconnectors.ProviderOllama:
			result.Modes[name] = ollamaOK
		case binding.RequiresCredential():
			result.Modes[name] = keys.Has(binding.Credential)
		default:
			result.Modes[name] = true
		}
	}

	if keys.Len() == 0 {
		result.Warnings = append(result.Warnings, "no provider credentials configured; clients must use api_key_mode = \"own\"")
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(w io.Writer, result *ConfigCheckResult) {
	fmt.Fprintln(w, "=== Provider Credentials ===")

	if len(result.Present) > 0 {
		fmt.Fprintln(w, "✓ Configured:")
		names := make([]string, 0, len(result.Present))
		for k := range result.Present {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(w, "   - %s = %s\n", k, result.Present[k])
		}
		fmt.Fprintln(w, "")
	}

	if len(result.Missing) > 0 {
		fmt.Fprintln(w, "❌ Not configured:")
		for _, v := range result.Missing {
			fmt.Fprintf(w, "   - %s\n", v)
		}
		fmt.Fprintln(w, "")
	}

	fmt.Fprintln(w, "Chat modes (system keys):")
	for _, name := range aiconnectors.Modes() {
		mark := "❌"
		if result.Modes[name] {
			mark = "✓"
		}
		fmt.Fprintf(w, "   %s %s\n", mark, name)
	}
	fmt.Fprintln(w, "")

	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "⚠ Warning: %s\n", warning)
	}

	fmt.Fprintln(w, "============================")
}
