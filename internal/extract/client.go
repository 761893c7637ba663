package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/iabetor/feedbuddy/internal/logger"
	"github.com/iabetor/feedbuddy/internal/metrics"
)

// FallbackContent 获取详情失败时展示的固定文案。
const FallbackContent = "Content could not be retrieved."

// DetailFetchError 详情获取失败，只在包内流转，对外统一转换为 FallbackContent。
type DetailFetchError struct {
	Link       string
	StatusCode int
	Err        error
}

func (e *DetailFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("获取 %s 详情失败: HTTP %d", e.Link, e.StatusCode)
	}
	return fmt.Sprintf("获取 %s 详情失败: %v", e.Link, e.Err)
}

func (e *DetailFetchError) Unwrap() error { return e.Err }

// Client 文章详情获取客户端，请求提取接口并只返回正文。
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient 创建详情客户端，endpoint 为提取接口的完整地址。
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

// FetchDetail 返回文章正文；任何失败（网络错误、非 2xx、响应格式错误、缺少 content）
// 都返回 FallbackContent，不会向调用方返回错误。
func (c *Client) FetchDetail(ctx context.Context, link string) string {
	content, err := c.fetch(ctx, link)
	if err != nil {
		metrics.DetailFallbacks.Inc()
		logger.Warnf("[extract] %v", err)
		return FallbackContent
	}
	return content
}

func (c *Client) fetch(ctx context.Context, link string) (string, error) {
	body, err := json.Marshal(Request{URL: link})
	if err != nil {
		return "", &DetailFetchError{Link: link, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &DetailFetchError{Link: link, Err: err}
	}
	req.Header.Set("Content-Type", jsonContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &DetailFetchError{Link: link, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &DetailFetchError{Link: link, StatusCode: resp.StatusCode}
	}

	var res struct {
		Content *string `json:"content"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageBytes)).Decode(&res); err != nil {
		return "", &DetailFetchError{Link: link, Err: fmt.Errorf("响应格式错误: %w", err)}
	}
	if res.Content == nil || strings.TrimSpace(*res.Content) == "" {
		return "", &DetailFetchError{Link: link, Err: errors.New("响应缺少 content 字段")}
	}
	return *res.Content, nil
}

// Viewer 一个详情视图。多次打开时只有最后一次的结果有效，先前的请求照常完成但结果作废。
type Viewer struct {
	client *Client
	seq    atomic.Uint64
}

// NewViewer 创建详情视图。
func NewViewer(client *Client) *Viewer {
	return &Viewer{client: client}
}

// Open 获取 link 的正文。current 为 false 表示期间该视图又打开了别的文章，结果应丢弃。
func (v *Viewer) Open(ctx context.Context, link string) (content string, current bool) {
	n := v.seq.Add(1)
	content = v.client.FetchDetail(ctx, link)
	return content, v.seq.Load() == n
}
