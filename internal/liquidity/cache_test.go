package liquidity

import (
	"fmt"
	"testing"
	"time"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/config"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		CEXTTL:     30 * time.Millisecond,
		DEXTTL:     150 * time.Millisecond,
		DefaultTTL: 300 * time.Millisecond,
		MaxEntries: 8,
	}
}

func cexSnapshot(symbol, venue string, mid string) *domain.LiquiditySnapshot {
	return &domain.LiquiditySnapshot{
		Symbol:    symbol,
		Timestamp: time.Now(),
		Venues: []domain.VenueLiquidity{
			{Venue: venue, Kind: domain.VenueKindCentralized, MidPrice: dec(mid)},
		},
	}
}

func TestTierCacheHitOrder(t *testing.T) {
	store := state.NewStore()
	c := NewTierCache(testCacheConfig(), driftCfg(), store, nil)

	c.Put(cexSnapshot("BTC-USDT", "binance", "0"))

	// CEX 贡献写快层和兜底层
	if c.Size(domain.TierCEX) != 1 || c.Size(domain.TierDefault) != 1 {
		t.Fatalf("CEX 快照应该同时写入快层和兜底层: cex=%d def=%d",
			c.Size(domain.TierCEX), c.Size(domain.TierDefault))
	}
	if c.Size(domain.TierDEX) != 0 {
		t.Fatal("没有 DEX 贡献不应该写入慢层")
	}

	_, tierName, ok := c.Get("BTC-USDT")
	if !ok || tierName != domain.TierCEX {
		t.Fatalf("应该先命中快层: ok=%v tier=%s", ok, tierName)
	}

	// 快层过期后兜底层接住
	time.Sleep(60 * time.Millisecond)
	_, tierName, ok = c.Get("BTC-USDT")
	if !ok || tierName != domain.TierDefault {
		t.Fatalf("快层过期后应该命中兜底层: ok=%v tier=%s", ok, tierName)
	}

	// 全部过期后未命中
	time.Sleep(300 * time.Millisecond)
	if _, _, ok := c.Get("BTC-USDT"); ok {
		t.Fatal("所有层过期后应该未命中")
	}
}

func TestTierCacheDriftEvictsAllTiers(t *testing.T) {
	store := state.NewStore()
	c := NewTierCache(testCacheConfig(), driftCfg(), store, nil)

	// 快照基准中间价 100
	c.Put(cexSnapshot("BTC-USDT", "binance", "100"))

	// 实时盘口中间价 200：漂移 100%，远超任何阈值
	store.ApplyBook(&domain.OrderBook{
		Symbol: "BTC-USDT", Venue: "binance",
		Bids: []domain.OrderBookLevel{lvl("199", "1")},
		Asks: []domain.OrderBookLevel{lvl("201", "1")},
	})

	if _, _, ok := c.Get("BTC-USDT"); ok {
		t.Fatal("漂移超阈值应该按未命中处理")
	}
	if c.Size(domain.TierCEX) != 0 || c.Size(domain.TierDefault) != 0 {
		t.Fatal("漂移失效应该从所有层淘汰")
	}
}

func TestTierCacheNoDriftWithoutLiveBook(t *testing.T) {
	store := state.NewStore()
	c := NewTierCache(testCacheConfig(), driftCfg(), store, nil)

	// 快照有基准价，但 store 里没有实时盘口：数据不足不算漂移
	c.Put(cexSnapshot("BTC-USDT", "binance", "100"))
	if _, _, ok := c.Get("BTC-USDT"); !ok {
		t.Fatal("没有实时盘口做对照时不应该判定漂移")
	}
}

func TestTierCacheSmallDriftSurvives(t *testing.T) {
	store := state.NewStore()
	c := NewTierCache(testCacheConfig(), driftCfg(), store, nil)

	c.Put(cexSnapshot("BTC-USDT", "binance", "100"))

	// 漂移 0.05%：低于最小阈值 0.1%
	store.ApplyBook(&domain.OrderBook{
		Symbol: "BTC-USDT", Venue: "binance",
		Bids: []domain.OrderBookLevel{lvl("100", "1")},
		Asks: []domain.OrderBookLevel{lvl("100.1", "1")},
	})

	if _, _, ok := c.Get("BTC-USDT"); !ok {
		t.Fatal("阈值内的小幅漂移不应该导致失效")
	}
}

func TestTierCacheDriftEvictsPersistedCopy(t *testing.T) {
	store := state.NewStore()
	p, err := NewPersister(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	c := NewTierCache(testCacheConfig(), driftCfg(), store, p)

	c.Put(cexSnapshot("BTC-USDT", "binance", "100"))
	if _, ok := p.Load("BTC-USDT", time.Minute); !ok {
		t.Fatal("Put 应该写入持久化副本")
	}

	store.ApplyBook(&domain.OrderBook{
		Symbol: "BTC-USDT", Venue: "binance",
		Bids: []domain.OrderBookLevel{lvl("199", "1")},
		Asks: []domain.OrderBookLevel{lvl("201", "1")},
	})

	if _, _, ok := c.Get("BTC-USDT"); ok {
		t.Fatal("漂移超阈值应该按未命中处理")
	}
	// 从所有层淘汰包括落盘副本
	if _, ok := p.Load("BTC-USDT", time.Minute); ok {
		t.Fatal("漂移失效应该连持久化副本一起删除")
	}
}

func TestTierCacheEvict(t *testing.T) {
	store := state.NewStore()
	c := NewTierCache(testCacheConfig(), driftCfg(), store, nil)

	c.Put(cexSnapshot("BTC-USDT", "binance", "0"))
	c.Evict("BTC-USDT")
	if _, _, ok := c.Get("BTC-USDT"); ok {
		t.Fatal("Evict 后不应该命中")
	}
}

func TestTierCacheMaxEntries(t *testing.T) {
	store := state.NewStore()
	cfg := testCacheConfig()
	cfg.MaxEntries = 3
	c := NewTierCache(cfg, driftCfg(), store, nil)

	for i := 0; i < 5; i++ {
		c.Put(cexSnapshot(fmt.Sprintf("SYM-%d", i), "binance", "0"))
		time.Sleep(time.Millisecond) // 保证 storedAt 可排序
	}
	if got := c.Size(domain.TierCEX); got != 3 {
		t.Fatalf("超过上限应该淘汰最旧条目: size=%d want=3", got)
	}
	// 最新写入的应该还在
	if _, _, ok := c.Get("SYM-4"); !ok {
		t.Fatal("最新条目不应该被淘汰")
	}
}

func TestTierCachePutEmptySnapshotIgnored(t *testing.T) {
	store := state.NewStore()
	c := NewTierCache(testCacheConfig(), driftCfg(), store, nil)
	c.Put(nil)
	c.Put(&domain.LiquiditySnapshot{})
	if c.Size(domain.TierDefault) != 0 {
		t.Fatal("空快照不应该被缓存")
	}
}
