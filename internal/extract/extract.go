// Package extract 提供文章正文提取：本地 readability 实现、兼容 Mercury 的上游服务，
// 以及浏览端使用的详情获取客户端。
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
)

const (
	defaultTimeout  = 20 * time.Second
	maxPageBytes    = 5 << 20
	browserUA       = "Mozilla/5.0 (compatible; FeedBuddy/1.0; +https://github.com/iabetor/feedbuddy)"
	jsonContentType = "application/json"
)

// Result 提取结果，字段与 Mercury Parser 的输出保持一致。
type Result struct {
	Title        string `json:"title"`
	Content      string `json:"content"`
	Author       string `json:"author,omitempty"`
	Excerpt      string `json:"excerpt,omitempty"`
	LeadImageURL string `json:"lead_image_url,omitempty"`
	URL          string `json:"url"`
}

// Extractor 给定文章地址，返回可读版本。
type Extractor interface {
	Extract(ctx context.Context, pageURL string) (*Result, error)
}

// Request 提取接口的请求体。
type Request struct {
	URL string `json:"url"`
}

// ValidatePageURL 检查待提取的地址是否为绝对 http(s) URL。
func ValidatePageURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("文章地址无效: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("文章地址必须是 http(s) URL: %q", raw)
	}
	return u, nil
}

// UpstreamExtractor 调用兼容 Mercury 的第三方解析服务。
type UpstreamExtractor struct {
	endpoint string
	client   *http.Client
}

// NewUpstreamExtractor 创建上游提取器。
func NewUpstreamExtractor(endpoint string, timeout time.Duration) *UpstreamExtractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &UpstreamExtractor{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

// Extract 以 POST {"url": ...} 请求上游服务。
func (e *UpstreamExtractor) Extract(ctx context.Context, pageURL string) (*Result, error) {
	body, err := json.Marshal(Request{URL: pageURL})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", jsonContentType)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求提取服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("提取服务返回 HTTP %d", resp.StatusCode)
	}

	var res Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageBytes)).Decode(&res); err != nil {
		return nil, fmt.Errorf("解析提取结果失败: %w", err)
	}
	if res.URL == "" {
		res.URL = pageURL
	}
	return &res, nil
}

// ReadabilityExtractor 在本地抓取页面并用 readability 提取正文。
type ReadabilityExtractor struct {
	client *http.Client
}

// NewReadabilityExtractor 创建本地提取器。
func NewReadabilityExtractor(timeout time.Duration) *ReadabilityExtractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ReadabilityExtractor{client: &http.Client{Timeout: timeout}}
}

// Extract 抓取页面，提取正文并清理。
func (e *ReadabilityExtractor) Extract(ctx context.Context, pageURL string) (*Result, error) {
	u, err := ValidatePageURL(pageURL)
	if err != nil {
		return nil, err
	}

	page, err := e.fetchPage(ctx, u.String())
	if err != nil {
		return nil, err
	}
	return ExtractHTML(page, u)
}

func (e *ReadabilityExtractor) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("抓取页面失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("页面返回 HTTP %d", resp.StatusCode)
	}
	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("读取页面失败: %w", err)
	}
	return page, nil
}

// ExtractHTML 从已抓取的页面中提取正文。pageURL 用于解析相对地址。
func ExtractHTML(page []byte, pageURL *url.URL) (*Result, error) {
	article, err := readability.FromReader(bytes.NewReader(page), pageURL)
	if err != nil {
		return nil, fmt.Errorf("提取正文失败: %w", err)
	}

	content, err := cleanContent(article.Content, pageURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("页面中没有可提取的正文")
	}

	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = fallbackTitle(page)
	}

	return &Result{
		Title:        title,
		Content:      content,
		Author:       strings.TrimSpace(article.Byline),
		Excerpt:      strings.TrimSpace(article.Excerpt),
		LeadImageURL: resolve(pageURL, article.Image),
		URL:          pageURL.String(),
	}, nil
}

// cleanContent 去掉脚本类元素，并把图片和链接地址补全为绝对地址。
func cleanContent(content string, base *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("解析正文 HTML 失败: %w", err)
	}

	doc.Find("script, style, iframe, noscript, form").Remove()
	doc.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		img.SetAttr("src", resolve(base, src))
	})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		a.SetAttr("href", resolve(base, href))
	})

	html, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("生成正文 HTML 失败: %w", err)
	}
	return strings.TrimSpace(html), nil
}

// fallbackTitle readability 未给出标题时，依次尝试 og:title、<title>、<h1>。
func fallbackTitle(page []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return ""
	}
	if title, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(title) != "" {
		return strings.TrimSpace(title)
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
