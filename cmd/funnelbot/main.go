package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"github.com/m3rciful/funnelbot/core/cmd"
	"github.com/m3rciful/funnelbot/internal/app"
)

func main() {
	// A missing .env is fine; the environment may be set by the supervisor.
	_ = godotenv.Load()

	err := cmd.Run(cmd.Options{
		DefaultConfigPath: "config.yaml",
		LoadConfig: func(path string) (cmd.ConfigCarrier, error) {
			cfg, err := app.LoadConfig(path)
			if err != nil {
				return nil, err
			}
			return cfg, nil
		},
		Bootstrap: func(ctx context.Context, cfg cmd.ConfigCarrier) (cmd.TelegramApp, error) {
			return app.Bootstrap(ctx, cfg)
		},
	})
	if err != nil {
		log.Fatal(err)
	}
}
