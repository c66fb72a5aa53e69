package liquidity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/internal/events"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/config"
)

// newTestAggregator 组装一个不带行情接入的聚合器，取数函数可注入
func newTestAggregator(t *testing.T, fetch FetchFunc) *Aggregator {
	t.Helper()
	cfg := config.Default()
	reg := testRegistry("binance", "okx")
	store := state.NewStore()
	tierCache := NewTierCache(cfg.Cache, cfg.Drift, store, nil)
	orch := NewOrchestrator(cfg.Fetch, reg, store, nil, fetch)
	return NewAggregator(cfg, reg, store, tierCache, orch, nil, nil, nil, &events.VenueStatusHandlerList{})
}

func countingFetch() (FetchFunc, *int64) {
	var mu sync.Mutex
	var calls int64
	return func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return okContribution(v.ID), nil
	}, &calls
}

func TestGetAggregatedLiquidityCacheFirst(t *testing.T) {
	fetch, _ := countingFetch()
	a := newTestAggregator(t, fetch)

	snap1, err := a.GetAggregatedLiquidity(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if a.AggregationCount() != 1 {
		t.Fatalf("首次查询应该执行一次聚合: count=%d", a.AggregationCount())
	}

	// TTL 内的第二次查询走缓存，不触发新聚合
	snap2, err := a.GetAggregatedLiquidity(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if a.AggregationCount() != 1 {
		t.Fatalf("缓存命中不应该重新聚合: count=%d", a.AggregationCount())
	}
	if snap1 != snap2 {
		t.Fatal("缓存命中应该返回同一份快照")
	}
}

func TestGetAggregatedLiquiditySnapshotContent(t *testing.T) {
	fetch, _ := countingFetch()
	a := newTestAggregator(t, fetch)

	snap, err := a.GetAggregatedLiquidity(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Symbol != "BTC-USDT" {
		t.Fatalf("symbol 错误: %s", snap.Symbol)
	}
	if len(snap.Venues) != 2 {
		t.Fatalf("两个场所都应该有贡献: got=%d", len(snap.Venues))
	}
	// 两个场所各贡献 100/101 同价层级 → 合并后数量翻倍
	if !snap.Bids[0].Quantity.Equal(dec("2")) {
		t.Fatalf("同价层级应该合并: got=%s", snap.Bids[0].Quantity)
	}
}

type recordingHandler struct {
	mu        sync.Mutex
	fromCache []bool
}

func (h *recordingHandler) OnSnapshot(ctx context.Context, e *events.SnapshotEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fromCache = append(h.fromCache, e.FromCache)
}

func TestSnapshotEvents(t *testing.T) {
	fetch, _ := countingFetch()
	a := newTestAggregator(t, fetch)

	h := &recordingHandler{}
	a.OnSnapshot(h)

	a.GetAggregatedLiquidity(context.Background(), "BTC-USDT")
	a.GetAggregatedLiquidity(context.Background(), "BTC-USDT")

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.fromCache) != 2 {
		t.Fatalf("应该收到两个快照事件: got=%d", len(h.fromCache))
	}
	if h.fromCache[0] != false || h.fromCache[1] != true {
		t.Fatalf("第一次是新聚合，第二次是缓存命中: got=%v", h.fromCache)
	}
}

func TestGetMarketData(t *testing.T) {
	fetch, _ := countingFetch()
	a := newTestAggregator(t, fetch)

	a.store.MergeTicker(domain.TickerSummary{
		Symbol: "BTC-USDT", Venue: "binance",
		BestBid: dec("100"), BestAsk: dec("101"), Volume24h: dec("5000"),
	})

	md, err := a.GetMarketData(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if md.VenueCount != 1 || !md.Volume24h.Equal(dec("5000")) {
		t.Fatalf("行情摘要错误: %+v", md)
	}

	// 1 秒 TTL 内走独立缓存：store 更新不立即反映
	a.store.MergeTicker(domain.TickerSummary{
		Symbol: "BTC-USDT", Venue: "okx",
		BestBid: dec("100.5"), BestAsk: dec("100.9"),
	})
	md2, _ := a.GetMarketData(context.Background(), "BTC-USDT")
	if md2.VenueCount != 1 {
		t.Fatalf("TTL 内应该返回缓存副本: venues=%d", md2.VenueCount)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	fetch, _ := countingFetch()
	a := newTestAggregator(t, fetch)

	if _, err := a.GetAggregatedLiquidity(context.Background(), "BTC-USDT"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a.Shutdown(ctx)
	// 第二次关闭必须是空操作，不能 panic 或阻塞
	a.Shutdown(ctx)

	if _, err := a.GetAggregatedLiquidity(context.Background(), "BTC-USDT"); err != ErrShuttingDown {
		t.Fatalf("关闭后查询应该返回 ErrShuttingDown: got=%v", err)
	}
	if _, err := a.GetMarketData(context.Background(), "BTC-USDT"); err != ErrShuttingDown {
		t.Fatalf("关闭后行情查询应该返回 ErrShuttingDown: got=%v", err)
	}
	if a.store.Size() != 0 {
		t.Fatal("关闭应该清空状态存储")
	}
}

func TestDriftTriggersReaggregation(t *testing.T) {
	fetch := func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		c := okContribution(v.ID)
		c.MidPrice = dec("100.5") // 快照基准价
		return c, nil
	}
	a := newTestAggregator(t, fetch)

	if _, err := a.GetAggregatedLiquidity(context.Background(), "BTC-USDT"); err != nil {
		t.Fatal(err)
	}
	if a.AggregationCount() != 1 {
		t.Fatalf("首次应该聚合一次: count=%d", a.AggregationCount())
	}

	// 实时中间价大幅偏移 → 缓存应该被漂移失效，下一次查询重新聚合
	a.store.ApplyBook(&domain.OrderBook{
		Symbol: "BTC-USDT", Venue: "binance",
		Bids: []domain.OrderBookLevel{lvl("199", "1")},
		Asks: []domain.OrderBookLevel{lvl("201", "1")},
	})

	if _, err := a.GetAggregatedLiquidity(context.Background(), "BTC-USDT"); err != nil {
		t.Fatal(err)
	}
	if a.AggregationCount() != 2 {
		t.Fatalf("漂移失效后应该重新聚合: count=%d", a.AggregationCount())
	}
}

func TestAllVenuesFailedWritesNoCache(t *testing.T) {
	a := newTestAggregator(t, func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		return domain.VenueLiquidity{}, context.DeadlineExceeded
	})

	if _, err := a.GetAggregatedLiquidity(context.Background(), "BTC-USDT"); err == nil {
		t.Fatal("全场所失败应该返回错误")
	}
	for _, tier := range []domain.CacheTier{domain.TierCEX, domain.TierDEX, domain.TierDefault} {
		if a.tierCache.Size(tier) != 0 {
			t.Fatalf("失败的查询不应该写入任何缓存层: tier=%s", tier)
		}
	}
}

func TestAllVenuesFailedSurfacesToCaller(t *testing.T) {
	a := newTestAggregator(t, func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		return domain.VenueLiquidity{}, context.DeadlineExceeded
	})

	_, err := a.GetAggregatedLiquidity(context.Background(), "BTC-USDT")
	if !IsAllVenuesFailed(err) {
		t.Fatalf("全场所失败应该透传给调用方: got=%v", err)
	}
}
