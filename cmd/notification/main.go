// 通知サービスのエントリポイント。
// RabbitMQのtask_events/notification_eventsを購読して通知をストアへ保存し、
// 保存済み通知の一覧・既読化・削除・直接送信をHTTPで提供する。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eapache/go-resiliency/retrier"

	"github.com/nao1215/taskflow/internal/config"
	"github.com/nao1215/taskflow/internal/notification"
	"github.com/nao1215/taskflow/pkg/broker"
	"github.com/nao1215/taskflow/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.ServiceName, cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Error("通知サービスが異常終了しました",
			"event", "service_failed",
			"module", "cmd/notification",
			"layer", "main",
			"error", err.Error(),
		)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("ストアのクローズに失敗しました", "event", "store_close_failed", "module", "cmd/notification", "layer", "main", "error", err.Error())
		}
	}()

	// 起動時の接続だけは回数を区切って再試行し、失敗したらプロセスを終了する。
	startup := retrier.New(retrier.ConstantBackoff(cfg.StartupAttempts-1, cfg.StartupRetryInterval), nil)
	if err := startup.RunCtx(ctx, attempt(log, "store", store.Ping)); err != nil {
		return fmt.Errorf("ストアに接続できません: %w", err)
	}

	workerSettings := notification.DefaultBreakerSettings()
	workerSettings.Name = "notification-store-worker"
	readSettings := notification.DefaultBreakerSettings()
	readSettings.Name = "notification-store-http"
	workerStore := notification.NewBreakerStore(store, workerSettings, log)
	readStore := notification.NewBreakerStore(store, readSettings, log)

	builder := notification.NewBuilder(notification.DefaultCatalog())
	handler := notification.NewHandler(builder, workerStore, log)
	dialer := broker.NewAMQPDialer(cfg.RabbitMQURL, cfg.BrokerPrefetch)
	consumer := notification.NewConsumer(dialer, handler, log, cfg.ReconnectBackoff)

	if err := startup.RunCtx(ctx, attempt(log, "broker", consumer.Start)); err != nil {
		return fmt.Errorf("ブローカーに接続できません: %w", err)
	}
	defer consumer.Stop()

	service := notification.NewService(readStore, builder, consumer)
	server := notification.NewServer(cfg.Port, service, cfg.CORSAllowedOrigins, log)
	httpServer := &http.Server{
		Addr:              server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("通知サービスを起動します",
			"event", "service_started",
			"module", "cmd/notification",
			"layer", "main",
			"addr", httpServer.Addr,
			"store_backend", cfg.StoreBackend,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("シグナルを受信しました。シャットダウンします",
			"event", "shutdown_requested",
			"module", "cmd/notification",
			"layer", "main",
		)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーのシャットダウンに失敗: %w", err)
	}

	log.Info("通知サービスを停止しました",
		"event", "service_stopped",
		"module", "cmd/notification",
		"layer", "main",
	)
	return nil
}

// openStore は設定されたバックエンドのストアを開く。
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (notification.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendSQLite:
		return notification.OpenSQLiteStore(ctx, cfg.SQLitePath, log)
	default:
		return notification.OpenRedisStore(cfg.RedisURL, log)
	}
}

// attempt は起動時の接続試行をログに残すラッパー。
func attempt(log *slog.Logger, target string, fn func(context.Context) error) func(context.Context) error {
	n := 0
	return func(ctx context.Context) error {
		n++
		err := fn(ctx)
		if err != nil {
			log.Warn("起動時の接続に失敗しました",
				"event", "startup_connect_failed",
				"module", "cmd/notification",
				"layer", "main",
				"target", target,
				"attempt", n,
				"error", err.Error(),
			)
		}
		return err
	}
}
