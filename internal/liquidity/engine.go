package liquidity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/internal/events"
	"github.com/betbot/goliq/internal/health"
	"github.com/betbot/goliq/internal/ingest"
	"github.com/betbot/goliq/internal/metrics"
	"github.com/betbot/goliq/internal/registry"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/cache"
	"github.com/betbot/goliq/pkg/config"
	"github.com/betbot/goliq/pkg/logger"
)

// marketDataTTL GetMarketData 独立缓存的 TTL
const marketDataTTL = time.Second

// Aggregator 流动性聚合引擎对外门面
// 读路径：缓存命中直接返回；未命中走编排器取数、聚合、回填缓存
type Aggregator struct {
	cfg *config.Config

	registry     *registry.Registry
	store        *state.Store
	tierCache    *TierCache
	orchestrator *Orchestrator
	ingestor     *ingest.Ingestor // 可为 nil（纯计算测试）
	tracker      *health.Tracker  // 可为 nil
	persister    *Persister       // 可为 nil

	marketCache *cache.InMemoryCache[string, *domain.MarketData]

	snapshotHandlers *events.SnapshotHandlerList
	statusHandlers   *events.VenueStatusHandlerList

	aggregations atomic.Int64
	closed       atomic.Bool
	shutdownOnce sync.Once

	warmCancel context.CancelFunc
	warmDone   chan struct{}
}

// NewAggregator 组装聚合引擎
func NewAggregator(cfg *config.Config, reg *registry.Registry, store *state.Store,
	tierCache *TierCache, orch *Orchestrator, ingestor *ingest.Ingestor,
	tracker *health.Tracker, persister *Persister,
	statusHandlers *events.VenueStatusHandlerList) *Aggregator {
	return &Aggregator{
		cfg:              cfg,
		registry:         reg,
		store:            store,
		tierCache:        tierCache,
		orchestrator:     orch,
		ingestor:         ingestor,
		tracker:          tracker,
		persister:        persister,
		marketCache:      cache.NewInMemoryCache[string, *domain.MarketData](marketDataTTL),
		snapshotHandlers: &events.SnapshotHandlerList{},
		statusHandlers:   statusHandlers,
	}
}

// Start 启动所有后台组件：行情接入、派发循环、健康扫描、预热任务
func (a *Aggregator) Start(ctx context.Context) error {
	if a.ingestor != nil {
		if err := a.ingestor.Start(ctx); err != nil {
			return err
		}
	}
	a.orchestrator.Start(ctx)
	if a.tracker != nil {
		a.tracker.Start(ctx)
	}

	if len(a.cfg.WarmSymbols) > 0 {
		a.Subscribe(a.cfg.WarmSymbols...)
		if a.cfg.WarmInterval > 0 {
			a.startWarmJob(ctx)
		}
	}
	logger.Infof("聚合引擎已启动: venues=%d warm_symbols=%d", a.registry.Size(), len(a.cfg.WarmSymbols))
	return nil
}

// startWarmJob 周期性预热热门 symbol 的聚合缓存
func (a *Aggregator) startWarmJob(ctx context.Context) {
	ctx, a.warmCancel = context.WithCancel(ctx)
	a.warmDone = make(chan struct{})

	go func() {
		defer close(a.warmDone)
		ticker := time.NewTicker(a.cfg.WarmInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, sym := range a.cfg.WarmSymbols {
					if _, err := a.GetAggregatedLiquidity(ctx, sym); err != nil {
						logger.Debugf("预热失败: symbol=%s err=%v", sym, err)
					}
				}
			}
		}
	}()
}

// GetAggregatedLiquidity 获取某 symbol 的跨场所流动性快照
// 缓存命中（且未漂移）直接返回；否则向所有可用场所取数并重新聚合
func (a *Aggregator) GetAggregatedLiquidity(ctx context.Context, symbol string) (*domain.LiquiditySnapshot, error) {
	if a.closed.Load() {
		return nil, ErrShuttingDown
	}
	start := time.Now()

	if snap, tierName, ok := a.tierCache.Get(symbol); ok {
		logger.Debugf("缓存命中: symbol=%s tier=%s", symbol, tierName)
		a.emitSnapshot(ctx, snap, true, time.Since(start))
		return snap, nil
	}

	contributions, err := a.orchestrator.Fetch(ctx, symbol)
	if err != nil {
		return nil, err
	}

	snap := buildSnapshot(symbol, contributions)
	a.tierCache.Put(snap)
	a.aggregations.Add(1)
	metrics.AggregationRuns.Add(1)

	a.emitSnapshot(ctx, snap, false, time.Since(start))
	return snap, nil
}

// GetMarketData 获取某 symbol 的跨场所行情摘要
// 用独立的短 TTL 缓存，不走分层快照缓存（摘要比快照便宜得多）
func (a *Aggregator) GetMarketData(ctx context.Context, symbol string) (*domain.MarketData, error) {
	if a.closed.Load() {
		return nil, ErrShuttingDown
	}
	if md, ok := a.marketCache.Get(symbol); ok {
		return md, nil
	}

	tickers := a.store.Tickers(symbol)
	md := buildMarketData(symbol, tickers)
	a.marketCache.Set(symbol, md, 0)
	return md, nil
}

// buildMarketData 跨场所合并行情摘要
func buildMarketData(symbol string, tickers []domain.TickerSummary) *domain.MarketData {
	md := &domain.MarketData{
		Symbol:     symbol,
		Timestamp:  time.Now(),
		Venues:     tickers,
		VenueCount: len(tickers),
	}

	var lastUpdated time.Time
	for _, t := range tickers {
		if !t.BestBid.IsZero() && (md.BestBid.IsZero() || t.BestBid.GreaterThan(md.BestBid)) {
			md.BestBid = t.BestBid
		}
		if !t.BestAsk.IsZero() && (md.BestAsk.IsZero() || t.BestAsk.LessThan(md.BestAsk)) {
			md.BestAsk = t.BestAsk
		}
		if !t.Last.IsZero() && t.UpdatedAt.After(lastUpdated) {
			md.Last = t.Last
			lastUpdated = t.UpdatedAt
		}
		md.Volume24h = md.Volume24h.Add(t.Volume24h)
	}
	return md
}

// Subscribe 订阅 symbol 行情（扇出到所有场所）
func (a *Aggregator) Subscribe(symbols ...string) {
	if a.closed.Load() || a.ingestor == nil {
		return
	}
	a.ingestor.Subscribe(symbols...)
}

// Unsubscribe 退订 symbol
func (a *Aggregator) Unsubscribe(symbols ...string) {
	if a.closed.Load() || a.ingestor == nil {
		return
	}
	a.ingestor.Unsubscribe(symbols...)
}

// OnSnapshot 注册快照事件处理器
func (a *Aggregator) OnSnapshot(h events.SnapshotHandler) {
	a.snapshotHandlers.Add(h)
}

// AggregationCount 累计实际执行的聚合次数（缓存命中不计入）
func (a *Aggregator) AggregationCount() int64 {
	return a.aggregations.Load()
}

// Registry 场所注册表（查询接口用）
func (a *Aggregator) Registry() *registry.Registry {
	return a.registry
}

// Tracker 健康跟踪器（查询接口用，可为 nil）
func (a *Aggregator) Tracker() *health.Tracker {
	return a.tracker
}

func (a *Aggregator) emitSnapshot(ctx context.Context, snap *domain.LiquiditySnapshot, fromCache bool, elapsed time.Duration) {
	a.snapshotHandlers.Emit(ctx, &events.SnapshotEvent{
		Snapshot:  snap,
		FromCache: fromCache,
		Elapsed:   elapsed,
	})
}

// Shutdown 优雅关闭（幂等：重复调用直接返回）
// 顺序：停预热 → 停接入 → 停派发/健康扫描 → 清缓存与状态 → 关持久化库
func (a *Aggregator) Shutdown(ctx context.Context) {
	a.shutdownOnce.Do(func() {
		a.closed.Store(true)
		logger.Info("聚合引擎开始关闭...")

		if a.warmCancel != nil {
			a.warmCancel()
			<-a.warmDone
		}
		if a.ingestor != nil {
			a.ingestor.Close()
		}
		a.orchestrator.Stop()
		if a.tracker != nil {
			a.tracker.Stop()
		}

		a.snapshotHandlers.Clear()
		a.marketCache.Stop()
		a.marketCache.Clear()
		a.tierCache.Clear()
		a.store.Clear()

		if a.persister != nil {
			if err := a.persister.Close(); err != nil {
				logger.Warnf("关闭快照持久化库失败: %v", err)
			}
		}
		logger.Info("✅ 聚合引擎已关闭")
	})
}
