package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iabetor/feedbuddy/internal/config"
	"github.com/iabetor/feedbuddy/internal/database"
	"github.com/iabetor/feedbuddy/internal/extract"
	"github.com/iabetor/feedbuddy/internal/logger"
	"github.com/iabetor/feedbuddy/internal/pipeline"
	"github.com/iabetor/feedbuddy/internal/rss"
	"github.com/iabetor/feedbuddy/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/feedbuddy.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infof("[main] FeedBuddy 启动中 (addr=%s, log_level=%s)", cfg.Server.Addr, cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听系统信号，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("[main] 收到信号 %v，正在关闭...", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		logger.Errorf("[main] 运行出错: %v", err)
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("[main] FeedBuddy 已停止")
}

// loadConfig 配置文件不存在时使用默认配置。
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	registry := rss.NewRegistry(db, cfg.Feeds.DefaultPath)
	fetcher := rss.NewFetcher(rss.FetcherOptions{
		BaseURL:       cfg.Client.BaseURL,
		DefaultSource: cfg.Feeds.DefaultPath,
		RelayPath:     cfg.Feeds.RelayPath,
		Timeout:       time.Duration(cfg.Feeds.FetchTimeout) * time.Second,
		MaxBytes:      cfg.Server.MaxBodyBytes,
	})
	parser := rss.NewParser(rss.ParserOptions{
		MaxTitleLen:       cfg.Feeds.MaxTitleLen,
		MaxDescriptionLen: cfg.Feeds.MaxDescriptionLen,
		RequiredFields:    cfg.Feeds.RequiredFields,
		Strict:            cfg.Feeds.Strict,
	})
	refresher := pipeline.New(registry, fetcher, parser, time.Duration(cfg.Feeds.RefreshInterval)*time.Minute)

	extractTimeout := time.Duration(cfg.Extraction.Timeout) * time.Second
	var extractor extract.Extractor
	if cfg.Extraction.UpstreamURL != "" {
		logger.Infof("[main] 使用上游正文解析服务: %s", cfg.Extraction.UpstreamURL)
		extractor = extract.NewUpstreamExtractor(cfg.Extraction.UpstreamURL, extractTimeout)
	} else {
		extractor = extract.NewReadabilityExtractor(extractTimeout)
	}
	detail := extract.NewClient(cfg.Client.BaseURL+cfg.Extraction.Path, extractTimeout)

	srv := server.New(server.Options{
		DefaultFeedURL: cfg.Feeds.DefaultURL,
		DefaultPath:    cfg.Feeds.DefaultPath,
		RelayPath:      cfg.Feeds.RelayPath,
		ExtractionPath: cfg.Extraction.Path,
		StaticDir:      cfg.Server.StaticDir,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		FetchTimeout:   time.Duration(cfg.Feeds.FetchTimeout) * time.Second,
		AllowPrivate:   cfg.Server.AllowPrivateRelay,
	}, extractor, registry, refresher, detail)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", cfg.Server.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[server] 监听 %s", ln.Addr())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 默认源和中转都经由本服务，端口绑定后才开始首轮聚合
	go func() {
		if err := refresher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("[pipeline] 停止: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP 服务异常退出: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
