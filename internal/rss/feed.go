// Package rss 提供订阅源管理、抓取、解析与聚合功能。
package rss

import (
	"fmt"
	"time"
)

const (
	// DefaultCategory 条目没有分类时使用的分类名。
	DefaultCategory = "Uncategorized"
	// AllCategories 分类筛选中表示"不过滤"的通配值。
	AllCategories = "all"
	// Ellipsis 截断标记。
	Ellipsis = "..."
)

// Article 是归一化后的文章条目，每轮聚合重新生成。
type Article struct {
	SourceTitle string    `json:"source_title,omitempty"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Description string    `json:"description"`
	Published   time.Time `json:"published"`
	Category    string    `json:"category"`
	ImageURL    string    `json:"image_url,omitempty"`
	Author      string    `json:"author,omitempty"`
}

// ValidationError 订阅源 URL 不合法或重复。
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("订阅源 %q 无效: %s", e.URL, e.Reason)
}

// FetchError 抓取订阅源失败（网络错误或非 2xx 状态码）。
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("抓取 %s 失败: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("抓取 %s 失败: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError 订阅源文档不是合法的 Feed。
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("解析 Feed 失败: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
