package rss

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/iabetor/feedbuddy/internal/logger"
)

// StorageKey 订阅源列表在存储中的键名。
const StorageKey = "customRSSFeeds"

// Storage 整体读写的键值存储。
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// feedURLPattern 宽松的 URL 形状检查：可选协议、带点的主机名、可选路径/查询/片段。
var feedURLPattern = regexp.MustCompile(`^(https?://)?([\w-]+(\.[\w-]+)+)([\w.,@?^=%&:/~+#-]*[\w@?^=%&/~+#-])?$`)

// ValidateURL 检查 URL 的语法形状，不检查是否可访问。
func ValidateURL(raw string) error {
	if raw == "" {
		return &ValidationError{URL: raw, Reason: "URL 为空"}
	}
	if !feedURLPattern.MatchString(raw) {
		return &ValidationError{URL: raw, Reason: "URL 格式不正确"}
	}
	return nil
}

// Registry 订阅源登记表：默认源加用户添加的源，顺序保持添加顺序。
// 每次变更都整体写回存储，读-改-写在同一把锁内完成。
type Registry struct {
	mu            sync.Mutex
	storage       Storage
	defaultSource string
}

// NewRegistry 创建订阅源登记表。
func NewRegistry(storage Storage, defaultSource string) *Registry {
	return &Registry{storage: storage, defaultSource: defaultSource}
}

// Default 返回受保护的默认源。
func (r *Registry) Default() string {
	return r.defaultSource
}

// List 返回所有订阅源，至少包含默认源。
func (r *Registry) List(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

// Add 添加订阅源。URL 为空、格式不正确或已存在时返回 *ValidationError。
func (r *Registry) Add(ctx context.Context, feedURL string) error {
	feedURL = strings.TrimSpace(feedURL)
	if err := ValidateURL(feedURL); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	feeds, err := r.load(ctx)
	if err != nil {
		return err
	}
	for _, f := range feeds {
		if f == feedURL {
			return &ValidationError{URL: feedURL, Reason: "订阅源已存在"}
		}
	}

	if err := r.save(ctx, append(feeds, feedURL)); err != nil {
		return err
	}
	logger.Infof("[rss] 已添加订阅源: %s", feedURL)
	return nil
}

// Remove 删除订阅源。默认源受保护，删除默认源或不存在的源都不做任何事。
// 返回值表示是否真正删除。
func (r *Registry) Remove(ctx context.Context, feedURL string) (bool, error) {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" || feedURL == r.defaultSource {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	feeds, err := r.load(ctx)
	if err != nil {
		return false, err
	}
	kept := make([]string, 0, len(feeds))
	for _, f := range feeds {
		if f != feedURL {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(feeds) {
		return false, nil
	}

	if err := r.save(ctx, kept); err != nil {
		return false, err
	}
	logger.Infof("[rss] 已删除订阅源: %s", feedURL)
	return true, nil
}

// load 读取存储中的列表，补齐默认源并去重。调用方需持有锁。
func (r *Registry) load(ctx context.Context) ([]string, error) {
	data, ok, err := r.storage.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("读取订阅源列表失败: %w", err)
	}

	var stored []string
	if ok {
		if err := json.Unmarshal(data, &stored); err != nil {
			logger.Warnf("[rss] 订阅源列表已损坏（将只使用默认源）: %v", err)
			stored = nil
		}
	}

	feeds := make([]string, 0, len(stored)+1)
	seen := make(map[string]bool, len(stored)+1)
	if !lo.Contains(stored, r.defaultSource) {
		feeds = append(feeds, r.defaultSource)
		seen[r.defaultSource] = true
	}
	for _, f := range stored {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		feeds = append(feeds, f)
	}
	return feeds, nil
}

func (r *Registry) save(ctx context.Context, feeds []string) error {
	data, err := json.Marshal(feeds)
	if err != nil {
		return err
	}
	if err := r.storage.Put(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("保存订阅源列表失败: %w", err)
	}
	return nil
}
