package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/enclave_layer/internal/config"
	"github.com/R3E-Network/enclave_layer/internal/enclave"
	"github.com/R3E-Network/enclave_layer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("enclaved").WithError(err).Fatal("load config")
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	svc := enclave.NewService(enclave.Config{
		StoragePath:       cfg.StoragePath,
		MREnclave:         cfg.MREnclave,
		MRSigner:          cfg.MRSigner,
		DefaultGasLimit:   cfg.DefaultGasLimit,
		MaxContexts:       cfg.MaxContexts,
		ExecTimeCap:       cfg.ExecTimeCap,
		SchedulerInterval: cfg.SchedulerInterval,
		MetricsEnabled:    cfg.MetricsEnabled,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("initialize enclave service")
	}
	if err := svc.Start(); err != nil {
		log.WithError(err).Fatal("start enclave service")
	}

	status, err := svc.Status()
	if err == nil {
		log.WithField("status", string(status)).Info("enclave service running")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	svc.Stop()
}
