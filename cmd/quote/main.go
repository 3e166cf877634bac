package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"xemm-bot/internal/app"
	"xemm-bot/internal/config"
	"xemm-bot/internal/logging"
)

const defaultEnvFile = ".env"

// quote prints the bid and ask each market pair would be quoted at right now,
// without placing any orders.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	wait := flag.Duration("wait", 3*time.Second, "how long book feeds may run before pricing")
	flag.Parse()

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	application, err := app.New(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer application.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *wait+30*time.Second)
	defer cancel()
	for _, line := range application.Preview(ctx, *wait) {
		fmt.Println(line)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "quote: %v\n", err)
	os.Exit(1)
}
