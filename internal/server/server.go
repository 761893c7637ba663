// Package server 提供默认订阅源、跨域中转、正文提取和阅读器 JSON 接口。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/iabetor/feedbuddy/internal/extract"
	"github.com/iabetor/feedbuddy/internal/logger"
	"github.com/iabetor/feedbuddy/internal/metrics"
	"github.com/iabetor/feedbuddy/internal/pipeline"
	"github.com/iabetor/feedbuddy/internal/rss"
)

const (
	defaultFetchTimeout   = 10 * time.Second
	defaultRefreshTimeout = 2 * time.Minute
	defaultMaxBodyBytes   = 10 << 20
	maxViewers            = 1024
	relayUserAgent        = "FeedBuddy/1.0 RSS Relay"

	msgFeedError    = "Error fetching RSS feed"
	msgExtractError = "Error fetching cleaned article"
)

// Feeds 订阅源登记表。
type Feeds interface {
	List(ctx context.Context) ([]string, error)
	Add(ctx context.Context, feedURL string) error
	Remove(ctx context.Context, feedURL string) (bool, error)
}

// Aggregator 聚合协调器。
type Aggregator interface {
	View(category string) []rss.Entry
	Categories() []string
	Snapshot() *pipeline.Snapshot
	State() pipeline.State
	RefreshAsync(timeout time.Duration)
}

// Options 服务选项。
type Options struct {
	DefaultFeedURL string
	DefaultPath    string
	RelayPath      string
	ExtractionPath string
	StaticDir      string
	MaxBodyBytes   int64
	FetchTimeout   time.Duration
	RefreshTimeout time.Duration
	// AllowPrivate 允许中转接口访问本机和内网地址。
	AllowPrivate bool
}

// Server 是 FeedBuddy 的 HTTP 服务。
type Server struct {
	opts      Options
	extractor extract.Extractor
	feeds     Feeds
	agg       Aggregator
	detail    *extract.Client
	client    *http.Client
	relay     *http.Client

	viewersMu sync.Mutex
	viewers   map[string]*extract.Viewer

	handler http.Handler
}

// New 创建服务。feeds、agg、detail 为 nil 时不注册对应的 /api 接口。
func New(opts Options, extractor extract.Extractor, feeds Feeds, agg Aggregator, detail *extract.Client) *Server {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		opts:      opts,
		extractor: extractor,
		feeds:     feeds,
		agg:       agg,
		detail:    detail,
		client:    &http.Client{Timeout: opts.FetchTimeout},
		relay:     newRelayClient(opts.FetchTimeout, opts.AllowPrivate),
		viewers:   make(map[string]*extract.Viewer),
	}
	s.handler = withCORS(withLogging(s.routes()))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.opts.DefaultPath, s.handleDefaultFeed)
	mux.HandleFunc("GET "+s.opts.RelayPath, s.handleRelay)
	if s.extractor != nil {
		mux.HandleFunc("POST "+s.opts.ExtractionPath, s.handleCleanArticle)
	}

	if s.feeds != nil {
		mux.HandleFunc("GET /api/feeds", s.handleListFeeds)
		mux.HandleFunc("POST /api/feeds", s.handleAddFeed)
		mux.HandleFunc("DELETE /api/feeds", s.handleRemoveFeed)
	}
	if s.agg != nil {
		mux.HandleFunc("GET /api/articles", s.handleArticles)
		mux.HandleFunc("GET /api/categories", s.handleCategories)
	}
	if s.detail != nil {
		mux.HandleFunc("GET /api/article", s.handleArticle)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	if s.opts.StaticDir != "" {
		if info, err := os.Stat(s.opts.StaticDir); err == nil && info.IsDir() {
			mux.Handle("GET /", http.FileServer(http.Dir(s.opts.StaticDir)))
		} else {
			logger.Warnf("[server] 静态目录不可用，跳过: %s", s.opts.StaticDir)
		}
	}
	return mux
}

// handleDefaultFeed 转发运营方配置的默认订阅源。
func (s *Server) handleDefaultFeed(w http.ResponseWriter, r *http.Request) {
	body, _, err := s.fetchUpstream(r.Context(), s.client, s.opts.DefaultFeedURL)
	if err != nil {
		logger.Errorf("[server] 获取默认订阅源失败: %v", err)
		http.Error(w, msgFeedError, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml")
	_, _ = w.Write(body)
}

// handleRelay 服务端抓取第三方订阅源并原样返回，绕开浏览器跨域限制。
// 省略协议的目标按 https 处理。
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target != "" {
		target = rss.WithScheme(target)
	}
	u, err := extract.ValidatePageURL(target)
	if err != nil {
		metrics.RelayRequests.WithLabelValues("bad_request").Inc()
		http.Error(w, "missing or invalid url parameter", http.StatusBadRequest)
		return
	}
	if !s.opts.AllowPrivate && forbiddenHost(u.Hostname()) {
		s.refuseRelay(w, target)
		return
	}

	body, contentType, err := s.fetchUpstream(r.Context(), s.relay, target)
	if errors.Is(err, errForbiddenTarget) {
		s.refuseRelay(w, target)
		return
	}
	if err != nil {
		metrics.RelayRequests.WithLabelValues("upstream_error").Inc()
		logger.Warnf("[server] 中转 %s 失败: %v", target, err)
		http.Error(w, msgFeedError, http.StatusBadGateway)
		return
	}

	metrics.RelayRequests.WithLabelValues("ok").Inc()
	if contentType == "" {
		contentType = "application/xml"
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}

func (s *Server) refuseRelay(w http.ResponseWriter, target string) {
	metrics.RelayRequests.WithLabelValues("forbidden").Inc()
	logger.Warnf("[server] 拒绝中转本机或内网地址: %s", target)
	http.Error(w, "relay target not allowed", http.StatusForbidden)
}

func (s *Server) fetchUpstream(ctx context.Context, client *http.Client, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", relayUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("上游返回 HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("读取上游响应失败: %w", err)
	}
	if int64(len(body)) > s.opts.MaxBodyBytes {
		return nil, "", fmt.Errorf("上游响应超过 %d 字节", s.opts.MaxBodyBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// handleCleanArticle 提取文章正文，返回 Mercury 兼容的 JSON。
func (s *Server) handleCleanArticle(w http.ResponseWriter, r *http.Request) {
	var req extract.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if _, err := extract.ValidatePageURL(req.URL); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.extractor.Extract(r.Context(), strings.TrimSpace(req.URL))
	if err != nil {
		logger.Errorf("[server] 提取正文失败 %s: %v", req.URL, err)
		http.Error(w, msgExtractError, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.feeds.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feeds": feeds})
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	feedURL, ok := feedURLFromRequest(w, r)
	if !ok {
		return
	}

	if err := s.feeds.Add(r.Context(), feedURL); err != nil {
		var ve *rss.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.refresh()
	s.respondFeeds(w, r, http.StatusCreated, nil)
}

func (s *Server) handleRemoveFeed(w http.ResponseWriter, r *http.Request) {
	feedURL, ok := feedURLFromRequest(w, r)
	if !ok {
		return
	}

	removed, err := s.feeds.Remove(r.Context(), feedURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if removed {
		s.refresh()
	}
	s.respondFeeds(w, r, http.StatusOK, map[string]interface{}{"removed": removed})
}

func (s *Server) respondFeeds(w http.ResponseWriter, r *http.Request, status int, extra map[string]interface{}) {
	feeds, err := s.feeds.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]interface{}{"feeds": feeds}
	for k, v := range extra {
		resp[k] = v
	}
	writeJSON(w, status, resp)
}

func (s *Server) refresh() {
	if s.agg != nil {
		s.agg.RefreshAsync(s.opts.RefreshTimeout)
	}
}

func (s *Server) handleArticles(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	resp := map[string]interface{}{
		"category": category,
		"articles": s.agg.View(category),
	}
	if snap := s.agg.Snapshot(); snap != nil {
		resp["generation"] = snap.Generation
		resp["completed_at"] = snap.CompletedAt
		if len(snap.Failures) > 0 {
			resp["failures"] = snap.Failures
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"categories": s.agg.Categories()})
}

// handleArticle 获取文章详情。同一 view 的较早请求被后来的请求取代时返回 204。
func (s *Server) handleArticle(w http.ResponseWriter, r *http.Request) {
	link := strings.TrimSpace(r.URL.Query().Get("link"))
	if link == "" {
		http.Error(w, "missing link parameter", http.StatusBadRequest)
		return
	}

	content, current := s.viewer(r.URL.Query().Get("view")).Open(r.Context(), link)
	if !current {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"link": link, "content": content})
}

func (s *Server) viewer(id string) *extract.Viewer {
	if id == "" {
		id = "default"
	}
	s.viewersMu.Lock()
	defer s.viewersMu.Unlock()

	v, ok := s.viewers[id]
	if !ok {
		if len(s.viewers) >= maxViewers {
			s.viewers = make(map[string]*extract.Viewer)
		}
		v = extract.NewViewer(s.detail)
		s.viewers[id] = v
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if s.agg != nil {
		resp["state"] = s.agg.State().String()
		if snap := s.agg.Snapshot(); snap != nil {
			resp["generation"] = snap.Generation
			resp["articles"] = len(snap.Articles)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func feedURLFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	if u := r.URL.Query().Get("url"); u != "" {
		return u, true
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return "", false
	}
	return req.URL, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("[server] 写入响应失败: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
