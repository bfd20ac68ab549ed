package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/meszmate/palaver/internal/app"
	"github.com/meszmate/palaver/internal/config"
	"github.com/meszmate/palaver/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	accounts, err := config.LoadAccounts()
	if err != nil {
		logrus.Fatalf("Failed to load accounts: %v", err)
	}
	if len(accounts.Accounts) == 0 {
		logrus.Fatal("No accounts configured, add one to accounts.toml")
	}
	account := accounts.Accounts[0]

	application, err := app.New(cfg, account)
	if err != nil {
		logrus.Fatalf("Failed to initialize app: %v", err)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logrus.Fatalf("Client exited: %v", err)
	}
}
