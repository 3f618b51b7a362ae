package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/config"
	"github.com/livechat/internal/logging"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize a new configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "livechat.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration file",
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	if _, err := loadConfig(c); err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	return nil
}

// loadConfig reads and validates the configuration named by the global
// --config flag and installs the configured logger
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Setup(logging.Config{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		Output:  os.Stderr,
		Service: "livechat",
	})
	return cfg, nil
}
