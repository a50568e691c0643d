package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sword-epi/spectra/internal/app"
	"github.com/sword-epi/spectra/internal/infra/config"
	"github.com/sword-epi/spectra/internal/infra/logger"
)

func main() {
	// envPath определяет расположение .env с путями, лимитами и периодикой.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	// Часовая зона приложения влияет глобально на time.Local: временные
	// шкалы хранилища и метки логов работают в выбранной TZ.
	time.Local = config.AppLocation //nolint:reassign // намеренно задаём часовую зону процесса

	logger.Init(config.Env().LogLevel)
	if path := config.Env().LogFile; path != "" {
		if err := logger.SetLogFile(path); err != nil {
			logger.Warnf("log file %s: %v", path, err)
		}
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var gotSignal os.Signal
	go func() {
		gotSignal = <-sigCh
		stop()
	}()

	a := app.New(ctx, stop)
	if err := a.Run(); err != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(err))
	}
	stop()
	logger.Info("Graceful shutdown complete")
	if gotSignal == os.Interrupt {
		os.Exit(130)
	}
}
