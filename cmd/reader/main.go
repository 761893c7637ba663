package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iabetor/feedbuddy/internal/config"
	"github.com/iabetor/feedbuddy/internal/database"
	"github.com/iabetor/feedbuddy/internal/extract"
	"github.com/iabetor/feedbuddy/internal/pipeline"
	"github.com/iabetor/feedbuddy/internal/rss"
)

func main() {
	configPath := flag.String("config", "configs/feedbuddy.yaml", "配置文件路径")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开数据库失败: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	registry := rss.NewRegistry(db, cfg.Feeds.DefaultPath)
	ctx := context.Background()

	switch args[0] {
	case "feeds":
		cmdFeeds(ctx, registry)
	case "add":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "用法: feedbuddy-reader add <url>")
			os.Exit(1)
		}
		cmdAdd(ctx, registry, args[1])
	case "remove":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "用法: feedbuddy-reader remove <url>")
			os.Exit(1)
		}
		cmdRemove(ctx, registry, args[1])
	case "articles":
		fs := flag.NewFlagSet("articles", flag.ExitOnError)
		category := fs.String("category", rss.AllCategories, "只显示该分类")
		_ = fs.Parse(args[1:])
		cmdArticles(ctx, newRefresher(cfg, registry), *category)
	case "categories":
		cmdCategories(ctx, newRefresher(cfg, registry))
	case "open":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "用法: feedbuddy-reader open <文章链接>")
			os.Exit(1)
		}
		client := extract.NewClient(cfg.Client.BaseURL+cfg.Extraction.Path, time.Duration(cfg.Extraction.Timeout)*time.Second)
		fmt.Println(client.FetchDetail(ctx, args[1]))
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "FeedBuddy 命令行阅读器")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "用法: feedbuddy-reader [-config <path>] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "命令:")
	fmt.Fprintln(os.Stderr, "  feeds                       列出所有订阅源")
	fmt.Fprintln(os.Stderr, "  add <url>                   添加订阅源")
	fmt.Fprintln(os.Stderr, "  remove <url>                删除订阅源（默认源不可删除）")
	fmt.Fprintln(os.Stderr, "  articles [-category <分类>]  聚合并列出文章")
	fmt.Fprintln(os.Stderr, "  categories                  列出当前文章中的分类")
	fmt.Fprintln(os.Stderr, "  open <文章链接>               获取文章正文")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "articles/categories/open 需要 feedbuddy 服务已在 client.base_url 运行。")
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newRefresher(cfg *config.Config, registry *rss.Registry) *pipeline.Refresher {
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
	return pipeline.New(registry, fetcher, parser, 0)
}

func cmdFeeds(ctx context.Context, registry *rss.Registry) {
	feeds, err := registry.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取订阅源失败: %v\n", err)
		os.Exit(1)
	}
	for i, f := range feeds {
		mark := ""
		if f == registry.Default() {
			mark = "  (默认)"
		}
		fmt.Printf("%2d. %s%s\n", i+1, f, mark)
	}
}

func cmdAdd(ctx context.Context, registry *rss.Registry, feedURL string) {
	if err := registry.Add(ctx, feedURL); err != nil {
		fmt.Fprintf(os.Stderr, "添加失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("已添加: %s\n", strings.TrimSpace(feedURL))
}

func cmdRemove(ctx context.Context, registry *rss.Registry, feedURL string) {
	removed, err := registry.Remove(ctx, feedURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "删除失败: %v\n", err)
		os.Exit(1)
	}
	if !removed {
		fmt.Println("未删除：默认源受保护或该订阅源不存在")
		return
	}
	fmt.Printf("已删除: %s\n", feedURL)
}

func cmdArticles(ctx context.Context, refresher *pipeline.Refresher, category string) {
	snap, err := refresher.Refresh(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "聚合失败: %v\n", err)
		os.Exit(1)
	}
	for src, reason := range snap.Failures {
		fmt.Fprintf(os.Stderr, "跳过 %s: %s\n", src, reason)
	}

	entries := refresher.View(category)
	if len(entries) == 0 {
		fmt.Println("没有文章")
		return
	}
	for i, e := range entries {
		fmt.Printf("%d. [%s] %s\n", i+1, e.Category, e.Title)
		if e.Excerpt != "" {
			fmt.Printf("   %s\n", e.Excerpt)
		}
		if e.Footer != "" {
			fmt.Printf("   %s\n", e.Footer)
		}
		fmt.Printf("   %s\n", e.Link)
	}
}

func cmdCategories(ctx context.Context, refresher *pipeline.Refresher) {
	if _, err := refresher.Refresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "聚合失败: %v\n", err)
		os.Exit(1)
	}
	for _, c := range refresher.Categories() {
		fmt.Println(c)
	}
}
