package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iabetor/feedbuddy/internal/metrics"
	"github.com/iabetor/feedbuddy/internal/rss"
)

func stateGauge(s State) float64 {
	return testutil.ToFloat64(metrics.RefreshState.WithLabelValues(s.String()))
}

const twoItemFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Other</title>
  <item><title>Older</title><link>https://other.example.com/1</link><category>AI</category>
    <pubDate>Thu, 19 Feb 2026 07:00:00 +0000</pubDate></item>
  <item><title>Newer</title><link>https://other.example.com/2</link>
    <pubDate>Thu, 19 Feb 2026 09:00:00 +0000</pubDate></item>
</channel></rss>`

type staticSources []string

func (s staticSources) List(context.Context) ([]string, error) { return s, nil }

type failingSources struct{}

func (failingSources) List(context.Context) ([]string, error) { return nil, errors.New("storage down") }

// mapFetcher 按订阅源返回固定内容；blockers 中的源会等待对应通道关闭后才返回。
type mapFetcher struct {
	mu       sync.Mutex
	bodies   map[string]string
	blockers map[string]chan struct{}
	started  chan string
}

func (f *mapFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	f.mu.Lock()
	block := f.blockers[source]
	body, ok := f.bodies[source]
	f.mu.Unlock()

	if block != nil {
		if f.started != nil {
			f.started <- source
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, &rss.FetchError{URL: source, StatusCode: http.StatusNotFound}
	}
	return []byte(body), nil
}

func TestRefreshIsolatesFailingSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rss-feed":
			http.Error(w, "Error fetching RSS feed", http.StatusInternalServerError)
		case "/proxy-rss":
			fmt.Fprint(w, twoItemFeed)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fetcher := rss.NewFetcher(rss.FetcherOptions{BaseURL: srv.URL, DefaultSource: "/rss-feed", RelayPath: "/proxy-rss"})
	sources := staticSources{"/rss-feed", "https://other.example.com/rss"}
	r := New(sources, fetcher, rss.NewParser(rss.ParserOptions{}), 0)

	snap, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Articles, 2)
	assert.Equal(t, "Newer", snap.Articles[0].Title)
	assert.Equal(t, "Older", snap.Articles[1].Title)
	assert.Contains(t, snap.Failures, "/rss-feed")
	assert.Equal(t, []string{rss.AllCategories, rss.DefaultCategory, "AI"}, snap.Categories)
	assert.Equal(t, StateIdle, r.State())
	assert.Same(t, snap, r.Snapshot())
}

func TestRefreshAllSourcesFailYieldsEmpty(t *testing.T) {
	fetcher := &mapFetcher{bodies: map[string]string{"bad": "not xml"}}
	r := New(staticSources{"missing", "bad"}, fetcher, rss.NewParser(rss.ParserOptions{}), 0)

	snap, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Articles)
	assert.Len(t, snap.Failures, 2)
	assert.Equal(t, []string{rss.AllCategories}, snap.Categories)
	assert.Empty(t, r.View(""))
}

func TestRefreshListError(t *testing.T) {
	r := New(failingSources{}, &mapFetcher{}, rss.NewParser(rss.ParserOptions{}), 0)
	_, err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.Nil(t, r.Snapshot())
	assert.Equal(t, StateIdle, r.State())
	assert.Equal(t, 1.0, stateGauge(StateIdle))
	assert.Equal(t, 0.0, stateGauge(StateFetching))
}

func TestRefreshCanceledCycleReturnsToIdle(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fetcher := &mapFetcher{
		bodies:   map[string]string{"fast": twoItemFeed, "slow": twoItemFeed},
		blockers: map[string]chan struct{}{"slow": release},
		started:  make(chan string, 1),
	}
	r := New(staticSources{"fast", "slow"}, fetcher, rss.NewParser(rss.ParserOptions{}), 0)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Refresh(ctx)
		errc <- err
	}()

	select {
	case <-fetcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("未开始抓取")
	}
	assert.Equal(t, StateFetching, r.State())
	assert.Equal(t, 1.0, stateGauge(StateFetching))
	assert.Equal(t, 0.0, stateGauge(StateIdle))

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("被取消的一轮未结束")
	}

	assert.Nil(t, r.Snapshot(), "被中止的一轮不应发布部分结果")
	assert.Equal(t, StateIdle, r.State())
	assert.Equal(t, 1.0, stateGauge(StateIdle))
	assert.Equal(t, 0.0, stateGauge(StateFetching))
}

func TestRefreshDropsStaleCycle(t *testing.T) {
	release := make(chan struct{})
	fetcher := &mapFetcher{
		bodies:   map[string]string{"slow": twoItemFeed},
		blockers: map[string]chan struct{}{"slow": release},
		started:  make(chan string, 1),
	}
	sources := &switchSources{list: []string{"slow"}}
	r := New(sources, fetcher, rss.NewParser(rss.ParserOptions{}), 0)

	staleErr := make(chan error, 1)
	go func() {
		_, err := r.Refresh(context.Background())
		staleErr <- err
	}()

	select {
	case <-fetcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("第一轮未开始抓取")
	}

	// 第二轮不再包含慢源，立即完成
	sources.set(nil)
	fresh, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fresh.Generation)

	close(release)
	select {
	case err := <-staleErr:
		assert.ErrorIs(t, err, ErrStaleCycle)
	case <-time.After(5 * time.Second):
		t.Fatal("第一轮未结束")
	}

	assert.Equal(t, uint64(2), r.Snapshot().Generation)
	assert.Empty(t, r.Snapshot().Articles)
}

func TestViewFiltersByCategory(t *testing.T) {
	fetcher := &mapFetcher{bodies: map[string]string{"a": twoItemFeed}}
	r := New(staticSources{"a"}, fetcher, rss.NewParser(rss.ParserOptions{}), 0)

	assert.Empty(t, r.View(rss.AllCategories))
	assert.Equal(t, []string{rss.AllCategories}, r.Categories())

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	all := r.View(rss.AllCategories)
	require.Len(t, all, 2)
	ai := r.View("AI")
	require.Len(t, ai, 1)
	assert.Equal(t, "Older", ai[0].Title)
	assert.Equal(t, "Other", ai[0].Pill)
}

func TestStartRefreshesUntilCanceled(t *testing.T) {
	fetcher := &mapFetcher{bodies: map[string]string{"a": twoItemFeed}}
	r := New(staticSources{"a"}, fetcher, rss.NewParser(rss.ParserOptions{}), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool {
		snap := r.Snapshot()
		return snap != nil && snap.Generation >= 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start 未在取消后退出")
	}
}

type switchSources struct {
	mu   sync.Mutex
	list []string
}

func (s *switchSources) List(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.list...), nil
}

func (s *switchSources) set(list []string) {
	s.mu.Lock()
	s.list = list
	s.mu.Unlock()
}
