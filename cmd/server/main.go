package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/race-coordinator/internal"
	"github.com/koopa0/race-coordinator/internal/race"
	"github.com/koopa0/race-coordinator/internal/results"
	"github.com/koopa0/race-coordinator/pkg/logger"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔路徑（空白使用預設值）")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置檔與 PORT）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
	)
	flag.Parse()

	// 載入配置
	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// 設置日誌
	log, logCloser, err := logger.Init(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
		TimeZone:  cfg.Log.TimeZone,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *internal.Config, log *slog.Logger) error {
	ctx := context.Background()

	// 房間註冊表
	registry := race.NewRegistry(log, cfg.RegistryOptions()...)

	// 成績輸出端
	var (
		sinks   []results.Sink
		archive internal.Archive
	)

	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		redisArchive := results.NewRedisArchive(redisClient, results.RedisArchiveConfig{
			ResultsKey:     cfg.Redis.ResultsKey,
			LeaderboardKey: cfg.Redis.LeaderboardKey,
			MaxResults:     cfg.Redis.MaxResults,
		})
		sinks = append(sinks, redisArchive)
		archive = redisArchive
		log.Info("成績存檔已啟用", "addr", cfg.Redis.Addr)
	}

	if cfg.NATS.Enabled {
		nc, err := results.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer nc.Close()

		sinks = append(sinks, results.NewNATSPublisher(nc, cfg.NATS.Subject))
		log.Info("成績廣播已啟用", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
	}

	recorder := results.NewRecorder(log, cfg.Results.PublishTimeout, cfg.Results.QueueSize, sinks...)

	// WebSocket Hub 與 HTTP 處理器
	dispatcher := internal.NewDispatcher(registry, log)
	wsHub := internal.NewWebSocketHub(dispatcher, recorder, cfg.HubConfig(), log)
	handler := internal.NewHandler(registry, wsHub, archive, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHub.ServeWS)
	mux.Handle("/", handler.Routes())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("賽局協調服務器啟動",
			"port", cfg.Server.Port,
			"capacity", cfg.Race.Capacity,
			"max_laps", cfg.Race.MaxLaps,
			"sinks", len(sinks))
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case sig := <-shutdown:
		log.Info("收到關閉信號，開始優雅關閉...", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 關閉所有 WebSocket 連接
	wsHub.Stop(shutdownCtx)

	// 送完剩下的成績
	recorder.Close()

	log.Info("服務器已關閉")
	return nil
}
