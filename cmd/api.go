package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/aiconnectors"
	"github.com/livechat/internal/api"
	"github.com/livechat/internal/completion"
	"github.com/livechat/internal/metrics"
)

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the livechat completion server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("port") {
				cfg.Server.Port = c.Int("port")
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.NewMetrics(reg)

			factory := &aiconnectors.Factory{
				OllamaURL: cfg.Providers.OllamaURL,
				Defaults: aiconnectors.ModelConfig{
					Temperature: cfg.Providers.Temperature,
					MaxTokens:   cfg.Providers.MaxTokens,
				},
			}

			serverKeys := cfg.ServerKeys()
			log.Info().
				Int("credentials", serverKeys.Len()).
				Int("modes", len(aiconnectors.Modes())).
				Msg("Loaded provider configuration")

			svc := completion.NewService(factory, serverKeys,
				completion.WithHeartbeatInterval(cfg.Server.HeartbeatInterval),
				completion.WithMetrics(m),
			)

			server := api.NewServer(api.Config{
				Port:             cfg.Server.Port,
				GeoCityHeader:    cfg.Server.GeoCityHeader,
				GeoCountryHeader: cfg.Server.GeoCountryHeader,
				AllowOrigins:     cfg.Server.AllowOrigins,
				ShutdownTimeout:  cfg.Server.ShutdownTimeout,
			}, svc, m, reg)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Starting livechat API server on port %d...\n", cfg.Server.Port)
			return server.Start(ctx)
		},
	}
}
