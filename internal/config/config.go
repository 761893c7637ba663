package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 是 FeedBuddy 的顶层配置结构。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Client     ClientConfig     `yaml:"client"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig HTTP 服务配置。
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
	// MaxBodyBytes 中转上游响应体的最大字节数。
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// AllowPrivateRelay 允许中转接口访问本机和内网地址，默认拒绝。
	AllowPrivateRelay bool `yaml:"allow_private_relay"`
}

// FeedsConfig 订阅源聚合配置。
type FeedsConfig struct {
	// DefaultURL 运维配置的默认订阅源（由服务端 DefaultPath 转发）。
	DefaultURL  string `yaml:"default_url"`
	DefaultPath string `yaml:"default_path"`
	RelayPath   string `yaml:"relay_path"`

	FetchTimeout    int `yaml:"fetch_timeout"`    // 秒
	RefreshInterval int `yaml:"refresh_interval"` // 分钟，0 表示只在变更时刷新

	MaxTitleLen       int `yaml:"max_title_len"`
	MaxDescriptionLen int `yaml:"max_description_len"`

	// RequiredFields 条目必须具备的字段，缺失则跳过该条目。
	// 可选值: title, link, description, pubDate
	RequiredFields []string `yaml:"required_fields"`
	// Strict 为 true 时缺失必填字段会使整个 Feed 解析失败。
	Strict bool `yaml:"strict"`
}

// ExtractionConfig 正文提取配置。
type ExtractionConfig struct {
	Path string `yaml:"path"`
	// UpstreamURL Mercury 兼容的正文解析服务，为空则使用本地 readability。
	UpstreamURL string `yaml:"upstream_url"`
	Timeout     int    `yaml:"timeout"` // 秒
}

// ClientConfig 阅读器客户端配置。
type ClientConfig struct {
	// BaseURL 提供默认源、中转和正文提取接口的服务地址。
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig 存储配置。
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite 或 postgres
	DSN    string `yaml:"dsn"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// Load 读取 YAML 配置文件并返回 Config。
// 先加载配置文件同目录及当前目录下的 .env（不覆盖已有环境变量），
// 再展开 ${VAR_NAME} 形式的环境变量。
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	setDefaults(cfg)
	return cfg, nil
}

// Default 返回只包含默认值的配置，用于没有配置文件的场景。
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func loadDotEnv(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		_ = godotenv.Load(abs)
	}
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3000"
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = "public"
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}

	if cfg.Feeds.DefaultURL == "" {
		cfg.Feeds.DefaultURL = "https://flipboard.com/@raimoseero/feed-nii8kd0sz.rss"
	}
	if cfg.Feeds.DefaultPath == "" {
		cfg.Feeds.DefaultPath = "/rss-feed"
	}
	if cfg.Feeds.RelayPath == "" {
		cfg.Feeds.RelayPath = "/proxy-rss"
	}
	if cfg.Feeds.FetchTimeout == 0 {
		cfg.Feeds.FetchTimeout = 10
	}
	if cfg.Feeds.MaxTitleLen == 0 {
		cfg.Feeds.MaxTitleLen = 57
	}
	if cfg.Feeds.MaxDescriptionLen == 0 {
		cfg.Feeds.MaxDescriptionLen = 160
	}
	if len(cfg.Feeds.RequiredFields) == 0 {
		cfg.Feeds.RequiredFields = []string{"title", "link"}
	}

	if cfg.Extraction.Path == "" {
		cfg.Extraction.Path = "/clean-article"
	}
	if cfg.Extraction.Timeout == 0 {
		cfg.Extraction.Timeout = 20
	}
	cfg.Extraction.UpstreamURL = strings.TrimSpace(cfg.Extraction.UpstreamURL)

	if cfg.Client.BaseURL == "" {
		host := cfg.Server.Addr
		if strings.HasPrefix(host, ":") {
			host = "127.0.0.1" + host
		}
		cfg.Client.BaseURL = "http://" + host
	}
	cfg.Client.BaseURL = strings.TrimRight(cfg.Client.BaseURL, "/")

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Database.DSN = filepath.Join(home, ".feedbuddy", "feedbuddy.db")
		} else {
			cfg.Database.DSN = "./.feedbuddy-data/feedbuddy.db"
		}
	} else if strings.HasPrefix(cfg.Database.DSN, "~/") {
		// Go 不会自动展开 ~，需要手动替换为用户主目录
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Database.DSN = home + cfg.Database.DSN[1:]
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}
