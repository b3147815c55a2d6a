package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/service/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP API and periodic maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Info("starting media-cache",
			zap.String("version", version),
			zap.String("config", cfgFile),
		)

		// Create context for graceful shutdown
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		if !a.owner() {
			return errCacheBusy
		}

		maintenanceService := a.maintenance(cfg, log)

		// Requests run under ctx so shutdown cancels batches started over the API
		httpServer := server.New(ctx, &server.Config{
			BindAddr:     cfg.HTTP.BindAddr,
			ReadTimeout:  cfg.HTTP.GetReadTimeout(),
			WriteTimeout: cfg.HTTP.GetWriteTimeout(),
			IdleTimeout:  cfg.HTTP.GetIdleTimeout(),
		}, a.cache, a.guard, a.batches, a.db, log.Named("http"))

		serverErr := make(chan error, 1)
		go func() {
			serverErr <- httpServer.Start()
		}()

		// Start maintenance service
		maintenanceDone := make(chan struct{})
		go func() {
			defer close(maintenanceDone)
			if err := maintenanceService.Start(ctx); err != nil && err != context.Canceled {
				log.Error("maintenance service stopped with error", zap.Error(err))
			}
		}()

		// Wait for interrupt signal
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		log.Info("application started successfully",
			zap.String("http_addr", cfg.HTTP.BindAddr),
			zap.String("cache_dir", a.cache.RootDir()),
		)

		select {
		case <-sigChan:
			log.Info("shutdown signal received, stopping services...")
		case err := <-serverErr:
			if err != nil {
				log.Error("HTTP server failed", zap.Error(err))
			}
		}

		// Cancel in-flight downloads; their temp files are removed
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		maintenanceService.Stop()

		// Stop waits for every handler, so the index is closed after the last write
		if err := httpServer.Stop(shutdownCtx); err != nil {
			log.Error("failed to stop HTTP server gracefully", zap.Error(err))
		}
		<-maintenanceDone

		log.Info("application stopped successfully")
		return nil
	},
}
