package rss

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxFeedBytes = 10 << 20
	userAgent           = "FeedBuddy/1.0 RSS Reader"
)

// FetcherOptions 抓取器选项。
type FetcherOptions struct {
	// BaseURL 提供默认源和中转接口的服务地址，如 http://127.0.0.1:3000。
	BaseURL string
	// DefaultSource 默认源标识（同源路径），直接请求不经过中转。
	DefaultSource string
	// RelayPath 中转接口路径，目标 URL 通过 url 查询参数传递。
	RelayPath string
	Timeout   time.Duration
	MaxBytes  int64
}

// Fetcher 负责获取订阅源原始内容。
// 默认源直接请求，其余源通过同源中转接口请求以绕开跨域限制。
type Fetcher struct {
	baseURL       string
	defaultSource string
	relayPath     string
	maxBytes      int64
	client        *http.Client
}

// NewFetcher 创建订阅源抓取器。
func NewFetcher(opts FetcherOptions) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFeedBytes
	}
	return &Fetcher{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		defaultSource: opts.DefaultSource,
		relayPath:     opts.RelayPath,
		maxBytes:      maxBytes,
		client:        &http.Client{Timeout: timeout},
	}
}

// RequestURL 返回抓取 source 时实际请求的地址。
func (f *Fetcher) RequestURL(source string) string {
	if source == f.defaultSource {
		return f.baseURL + source
	}
	return f.baseURL + f.relayPath + "?url=" + url.QueryEscape(WithScheme(source))
}

// WithScheme 为省略协议的订阅源地址补上 https://，已带协议的原样返回。
func WithScheme(source string) string {
	if strings.Contains(source, "://") {
		return source
	}
	return "https://" + source
}

// Fetch 获取 source 的原始文档。失败时返回 *FetchError。
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.RequestURL(source), nil)
	if err != nil {
		return nil, &FetchError{URL: source, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: source, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: source, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: source, Err: fmt.Errorf("读取响应失败: %w", err)}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &FetchError{URL: source, Err: fmt.Errorf("响应超过 %d 字节", f.maxBytes)}
	}
	return body, nil
}
