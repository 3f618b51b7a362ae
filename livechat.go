package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livechat/cmd"
	"github.com/livechat/internal/config"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "livechat",
		Usage:   "Streaming LLM chat server and terminal client",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: ./livechat.toml, then ~/.livechat.toml)",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` before reading configuration",
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String("env-file"); path != "" {
				if err := config.LoadEnvFile(path); err != nil {
					return fmt.Errorf("failed to load env file: %w", err)
				}
			}
			return nil
		},
		Commands: []*cli.Command{
			cmd.APICommand(),
			cmd.ChatCommand(),
			cmd.ConfigCommand(),
			cmd.EnvCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
