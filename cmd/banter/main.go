package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/nevindra/banter/internal/bot"
	"github.com/nevindra/banter/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("BANTER_CONFIG"), "path to banter.toml")
	flag.Parse()

	cfg := config.Load(*configPath)
	if cfg.Telegram.Token == "" {
		log.Fatal("telegram token is required (set telegram.token or BANTER_TELEGRAM_TOKEN)")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	b, err := bot.New(context.Background(), cfg, logger)
	if err != nil {
		log.Fatal(err)
	}

	if err := b.RunWithSignal(); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}
