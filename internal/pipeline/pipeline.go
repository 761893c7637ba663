// Package pipeline 负责聚合周期的编排：列出订阅源、并发抓取解析、合并排序并原子发布快照。
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iabetor/feedbuddy/internal/logger"
	"github.com/iabetor/feedbuddy/internal/metrics"
	"github.com/iabetor/feedbuddy/internal/rss"
)

// ErrStaleCycle 表示本轮结果已被更新的一轮取代，未发布。
var ErrStaleCycle = errors.New("聚合周期已过期，结果被丢弃")

// SourceLister 提供本轮要聚合的订阅源列表。
type SourceLister interface {
	List(ctx context.Context) ([]string, error)
}

// FeedFetcher 获取订阅源原始内容。
type FeedFetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// FeedParser 将原始内容解析为文章。
type FeedParser interface {
	ParseFeed(data []byte) (*rss.ParseResult, error)
}

// Snapshot 一轮聚合的结果，发布后不再修改。
type Snapshot struct {
	Generation  uint64            `json:"generation"`
	CycleID     string            `json:"cycle_id"`
	Articles    []rss.Article     `json:"articles"`
	Categories  []string          `json:"categories"`
	Failures    map[string]string `json:"failures,omitempty"`
	Skipped     int               `json:"skipped"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Refresher 是聚合周期的唯一协调者，持有当前快照。
type Refresher struct {
	sources  SourceLister
	fetcher  FeedFetcher
	parser   FeedParser
	interval time.Duration

	generation atomic.Uint64
	snapshot   atomic.Pointer[Snapshot]
	publishMu  sync.Mutex

	state *StateMachine
}

// New 创建协调器。interval <= 0 时 Start 只执行首轮刷新。
func New(sources SourceLister, fetcher FeedFetcher, parser FeedParser, interval time.Duration) *Refresher {
	r := &Refresher{
		sources:  sources,
		fetcher:  fetcher,
		parser:   parser,
		interval: interval,
		state:    NewStateMachine(),
	}
	metrics.RefreshState.WithLabelValues(StateIdle.String()).Set(1)
	r.state.SetOnChange(exportState)
	return r
}

func exportState(from, to State) {
	metrics.RefreshState.WithLabelValues(from.String()).Set(0)
	metrics.RefreshState.WithLabelValues(to.String()).Set(1)
}

// State 返回最新一轮所处的阶段。
func (r *Refresher) State() State {
	return r.state.Current()
}

// Snapshot 返回最近发布的快照，尚未完成任何一轮时返回 nil。
func (r *Refresher) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// View 返回指定分类的展示条目；category 为空或 "all" 表示不过滤。
func (r *Refresher) View(category string) []rss.Entry {
	snap := r.Snapshot()
	if snap == nil {
		return []rss.Entry{}
	}
	return rss.Render(rss.Filter(snap.Articles, category))
}

// Categories 返回当前快照的分类列表，第一个元素总是 "all"。
func (r *Refresher) Categories() []string {
	snap := r.Snapshot()
	if snap == nil {
		return []string{rss.AllCategories}
	}
	return snap.Categories
}

// Refresh 执行一轮完整的聚合。
// 所有订阅源结束（成功或失败）后才合并；若期间已开始更新的一轮，返回 ErrStaleCycle。
// ctx 在抓取期间被取消或超时时不发布任何结果，返回 ctx.Err()。
func (r *Refresher) Refresh(ctx context.Context) (*Snapshot, error) {
	gen := r.generation.Add(1)
	cycleID := uuid.NewString()
	start := time.Now()
	r.phase(gen, StateFetching)

	sources, err := r.sources.List(ctx)
	if err != nil {
		r.abort(gen)
		return nil, err
	}
	logger.Infof("[pipeline] 第 %d 轮开始 (cycle=%s, 订阅源 %d 个)", gen, cycleID, len(sources))

	results := make([]rss.SourceResult, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src string) {
			defer wg.Done()
			results[i] = r.collect(ctx, src)
		}(i, src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		r.abort(gen)
		logger.Warnf("[pipeline] 第 %d 轮被中止，丢弃结果 (cycle=%s): %v", gen, cycleID, err)
		return nil, err
	}

	r.phase(gen, StateAggregating)
	articles := rss.Aggregate(results)
	snap := &Snapshot{
		Generation:  gen,
		CycleID:     cycleID,
		Articles:    articles,
		Categories:  rss.Categories(articles),
		CompletedAt: time.Now(),
	}
	for _, res := range results {
		snap.Skipped += res.Skipped
		if res.Err != nil {
			if snap.Failures == nil {
				snap.Failures = make(map[string]string)
			}
			snap.Failures[res.Source] = res.Err.Error()
		}
	}

	if !r.publish(snap) {
		logger.Infof("[pipeline] 第 %d 轮已被更新的一轮取代，丢弃结果 (cycle=%s)", gen, cycleID)
		return nil, ErrStaleCycle
	}
	r.phase(gen, StateIdle)

	elapsed := time.Since(start)
	metrics.RefreshDuration.Observe(elapsed.Seconds())
	metrics.Articles.Set(float64(len(articles)))
	logger.Infof("[pipeline] 第 %d 轮完成: %d 篇文章, %d 个分类, %d 个源失败, 耗时 %v",
		gen, len(articles), len(snap.Categories)-1, len(snap.Failures), elapsed.Round(time.Millisecond))
	return snap, nil
}

// RefreshAsync 在后台执行一轮刷新，用于订阅源变更后立即更新。
func (r *Refresher) RefreshAsync(timeout time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := r.Refresh(ctx); err != nil && !errors.Is(err, ErrStaleCycle) {
			logger.Warnf("[pipeline] 后台刷新失败: %v", err)
		}
	}()
}

// Start 执行首轮刷新，然后按间隔定期刷新，直到 ctx 取消。
func (r *Refresher) Start(ctx context.Context) error {
	r.refreshLogged(ctx)
	if r.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.refreshLogged(ctx)
		}
	}
}

func (r *Refresher) refreshLogged(ctx context.Context) {
	if _, err := r.Refresh(ctx); err != nil && !errors.Is(err, ErrStaleCycle) && ctx.Err() == nil {
		logger.Errorf("[pipeline] 刷新失败: %v", err)
	}
}

// collect 抓取并解析单个订阅源，错误被记录在结果中而不是向上传播。
func (r *Refresher) collect(ctx context.Context, source string) rss.SourceResult {
	res := rss.SourceResult{Source: source}

	data, err := r.fetcher.Fetch(ctx, source)
	if err != nil {
		metrics.SourceFailures.WithLabelValues(metrics.KindFetch).Inc()
		logger.Warnf("[pipeline] 跳过订阅源 %s: %v", source, err)
		res.Err = err
		return res
	}

	parsed, err := r.parser.ParseFeed(data)
	if err != nil {
		metrics.SourceFailures.WithLabelValues(metrics.KindParse).Inc()
		logger.Warnf("[pipeline] 跳过订阅源 %s: %v", source, err)
		res.Err = err
		return res
	}

	if parsed.Skipped > 0 {
		metrics.SkippedItems.Add(float64(parsed.Skipped))
	}
	res.Title = parsed.Title
	res.Articles = parsed.Articles
	res.Skipped = parsed.Skipped
	return res
}

// publish 仅在 snap 仍是最新一轮时替换当前快照。
func (r *Refresher) publish(snap *Snapshot) bool {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	if snap.Generation != r.generation.Load() {
		return false
	}
	if cur := r.snapshot.Load(); cur != nil && cur.Generation > snap.Generation {
		return false
	}
	r.snapshot.Store(snap)
	return true
}

// abort 中止本轮。若仍是最新一轮，无论处于哪个阶段都回到 Idle。
func (r *Refresher) abort(gen uint64) {
	if gen == r.generation.Load() {
		r.state.ForceIdle()
	}
}

// phase 只记录最新一轮的阶段变化。
func (r *Refresher) phase(gen uint64, to State) {
	if gen == r.generation.Load() {
		r.state.Transition(to)
	}
}
