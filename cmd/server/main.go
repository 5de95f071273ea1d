// Package main is the entry point of the roomsync server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mentora/roomsync/internal/api"
	"github.com/mentora/roomsync/internal/chat"
	"github.com/mentora/roomsync/internal/collab"
	"github.com/mentora/roomsync/internal/compaction"
	"github.com/mentora/roomsync/internal/config"
	"github.com/mentora/roomsync/internal/db"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/metrics"
	"github.com/mentora/roomsync/internal/pubsub"
	"github.com/mentora/roomsync/internal/ratelimit"
	"github.com/mentora/roomsync/internal/ws"
)

var gracefulTimeout = 10 * time.Second

var flagConfPath string

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:          "roomsync-server [options]",
		Short:        "Collaborative editing and room chat server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(v, flagConfPath)
			if err != nil {
				return err
			}
			if err := logging.SetLogLevel(conf.LogLevel); err != nil {
				return err
			}
			return run(cmd.Context(), conf)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&flagConfPath, "config", "c", "", "Config path (YAML)")
	flags.String("log-level", "info", "One of debug, info, warn, error")
	flags.String("addr", ":8080", "Listen address")
	flags.String("db-path", "./data/roomsync.db", "SQLite database path")
	flags.String("redis-addr", "", "Redis address for cross-node fan-out; empty keeps it local")
	flags.Duration("compaction-interval", 5*time.Minute, "Interval between compaction runs")
	flags.Int("compaction-threshold", 100, "Update count that triggers compaction of a document")

	bindFlags(v, cmd, map[string]string{
		"log_level":                   "log-level",
		"server.addr":                 "addr",
		"server.db_path":              "db-path",
		"redis.addr":                  "redis-addr",
		"compaction.interval":         "compaction-interval",
		"compaction.update_threshold": "compaction-threshold",
	})
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func run(parent context.Context, conf *config.Config) error {
	logger := logging.New("server")

	database, err := db.New(conf.Server.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	m, err := metrics.NewMetrics()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hubOpts := []ws.Option{
		ws.WithMetrics(m),
		ws.WithLogger(logging.New("ws")),
		ws.WithLimits(ws.Limits{
			MessagesPerSecond: conf.RateLimit.MessagesPerSecond,
			MessageBurst:      conf.RateLimit.MessageBurst,
		}),
	}
	if conf.Redis.Addr != "" {
		broker, err := pubsub.DialRedis(ctx, conf.Redis.Addr, conf.Redis.Channel, logging.New("pubsub"))
		if err != nil {
			return err
		}
		defer broker.Close()
		hubOpts = append(hubOpts, ws.WithBroker(broker))
		logger.Infow("Cross-node fan-out enabled", "redis", conf.Redis.Addr, "channel", conf.Redis.Channel)
	}

	hub := ws.NewHub(hubOpts...)
	documents := collab.NewHandler(database, m, logging.New("collab"))
	chatHandler := chat.NewHandler(database, conf.Server.ChatHistoryLimit, m, logging.New("chat"))
	hub.Handle(collab.Kind, documents)
	hub.Handle(chat.Kind, chatHandler)

	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()

	compactor := compaction.New(database, compaction.Config{
		Interval:        conf.Compaction.Interval,
		UpdateThreshold: conf.Compaction.UpdateThreshold,
	}, m, logging.New("compaction"))
	compactor.Start()
	defer compactor.Stop()

	limiters := ratelimit.NewClientLimiters(conf.RateLimit.RequestsPerSecond, conf.RateLimit.RequestBurst)
	defer limiters.Stop()

	a := api.New(hub, database, documents, chatHandler, compactor, logging.New("api"))
	srv := &http.Server{
		Addr: conf.Server.Addr,
		Handler: a.Router(api.RouterConfig{
			MetricsPath: conf.Server.MetricsPath,
			Metrics:     m,
			Limiters:    limiters,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("Roomsync server starting", "addr", conf.Server.Addr, "db", conf.Server.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-serveErr:
		if err != nil {
			cancel()
			return fmt.Errorf("listen: %w", err)
		}
	case err := <-hubDone:
		if err == nil {
			err = errors.New("stopped unexpectedly")
		}
		return fmt.Errorf("hub: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("HTTP shutdown", "error", err)
	}

	cancel()
	<-hubDone
	// client pumps may still be leaving; after Flush they no longer write
	// back, so the database can close under them
	if err := documents.Flush(); err != nil {
		logger.Errorw("Failed to flush open documents", "error", err)
	}
	logger.Info("Server stopped")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
