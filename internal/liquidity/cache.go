package liquidity

import (
	"sync"
	"time"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/internal/metrics"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/config"
	"github.com/betbot/goliq/pkg/logger"
)

// cacheEntry 单层缓存条目
type cacheEntry struct {
	snapshot *domain.LiquiditySnapshot
	storedAt time.Time
}

// tier 单个缓存层：独立 TTL 与条目上限
type tier struct {
	name       domain.CacheTier
	ttl        time.Duration
	maxEntries int
	entries    map[string]*cacheEntry
}

func newTier(name domain.CacheTier, ttl time.Duration, maxEntries int) *tier {
	return &tier{
		name:       name,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*cacheEntry),
	}
}

// put 写入条目，超出上限时淘汰最旧的
func (t *tier) put(symbol string, snap *domain.LiquiditySnapshot) {
	if t.maxEntries > 0 && len(t.entries) >= t.maxEntries {
		if _, exists := t.entries[symbol]; !exists {
			t.evictOldest()
		}
	}
	t.entries[symbol] = &cacheEntry{snapshot: snap, storedAt: time.Now()}
}

func (t *tier) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range t.entries {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(t.entries, oldestKey)
	}
}

// get 返回未过期的条目；过期条目就地删除
func (t *tier) get(symbol string) (*cacheEntry, bool) {
	e, ok := t.entries[symbol]
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > t.ttl {
		delete(t.entries, symbol)
		return nil, false
	}
	return e, true
}

// TierCache 三层流动性快照缓存
// 查找顺序：快层（CEX，短 TTL）→ 慢层（DEX，长 TTL）→ 兜底层
// 命中后还要过漂移检查：任一场所实时中间价相对快照基准偏移超过动态阈值，
// 则该 symbol 从所有层淘汰，当次按未命中处理
type TierCache struct {
	mu        sync.Mutex
	cex       *tier
	dex       *tier
	def       *tier
	driftCfg  config.DriftConfig
	store     *state.Store
	persister *Persister // 可选：兜底层落盘
}

// NewTierCache 创建三层缓存
func NewTierCache(cfg config.CacheConfig, driftCfg config.DriftConfig, store *state.Store, persister *Persister) *TierCache {
	return &TierCache{
		cex:       newTier(domain.TierCEX, cfg.CEXTTL, cfg.MaxEntries),
		dex:       newTier(domain.TierDEX, cfg.DEXTTL, cfg.MaxEntries),
		def:       newTier(domain.TierDefault, cfg.DefaultTTL, cfg.MaxEntries),
		driftCfg:  driftCfg,
		store:     store,
		persister: persister,
	}
}

// Get 查找快照
// 返回命中的层；任何层都未命中（或漂移失效）时返回 false
func (c *TierCache) Get(symbol string) (*domain.LiquiditySnapshot, domain.CacheTier, bool) {
	c.mu.Lock()

	for _, t := range []*tier{c.cex, c.dex, c.def} {
		e, ok := t.get(symbol)
		if !ok {
			continue
		}
		if c.drifted(e.snapshot) {
			// 漂移失效：从所有层（含持久化副本）淘汰，当次视为未命中
			c.evictLocked(symbol)
			c.mu.Unlock()
			if c.persister != nil {
				c.persister.Delete(symbol)
			}
			metrics.DriftEvictions.Add(1)
			metrics.CacheMisses.Add(1)
			logger.Debugf("缓存漂移失效: symbol=%s tier=%s", symbol, t.name)
			return nil, "", false
		}
		c.mu.Unlock()
		metrics.CacheHits.Add(1)
		return e.snapshot, t.name, true
	}
	c.mu.Unlock()

	// 内存全部未命中：尝试兜底层的持久化副本
	if c.persister != nil {
		if snap, ok := c.persister.Load(symbol, c.def.ttl); ok {
			c.mu.Lock()
			drifted := c.drifted(snap)
			if !drifted {
				c.def.put(symbol, snap)
			}
			c.mu.Unlock()
			if !drifted {
				metrics.CacheHits.Add(1)
				return snap, domain.TierDefault, true
			}
			c.persister.Delete(symbol)
			metrics.DriftEvictions.Add(1)
		}
	}

	metrics.CacheMisses.Add(1)
	return nil, "", false
}

// Put 按快照的场所构成写入对应层
// 含 CEX 贡献写快层，含 DEX 贡献写慢层，兜底层始终写入
func (c *TierCache) Put(snap *domain.LiquiditySnapshot) {
	if snap == nil || snap.Symbol == "" {
		return
	}

	hasCEX, hasDEX := false, false
	for _, v := range snap.Venues {
		switch v.Kind {
		case domain.VenueKindCentralized:
			hasCEX = true
		case domain.VenueKindDecentralized:
			hasDEX = true
		}
	}

	c.mu.Lock()
	if hasCEX {
		c.cex.put(snap.Symbol, snap)
	}
	if hasDEX {
		c.dex.put(snap.Symbol, snap)
	}
	c.def.put(snap.Symbol, snap)
	c.mu.Unlock()

	if c.persister != nil {
		c.persister.Store(snap)
	}
}

// Evict 从所有层淘汰 symbol
func (c *TierCache) Evict(symbol string) {
	c.mu.Lock()
	c.evictLocked(symbol)
	c.mu.Unlock()
	if c.persister != nil {
		c.persister.Delete(symbol)
	}
}

func (c *TierCache) evictLocked(symbol string) {
	delete(c.cex.entries, symbol)
	delete(c.dex.entries, symbol)
	delete(c.def.entries, symbol)
}

// Clear 清空所有层（关闭时调用）
func (c *TierCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cex.entries = make(map[string]*cacheEntry)
	c.dex.entries = make(map[string]*cacheEntry)
	c.def.entries = make(map[string]*cacheEntry)
}

// Size 某一层的条目数（测试/调试用）
func (c *TierCache) Size(name domain.CacheTier) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case domain.TierCEX:
		return len(c.cex.entries)
	case domain.TierDEX:
		return len(c.dex.entries)
	case domain.TierDefault:
		return len(c.def.entries)
	}
	return 0
}

// drifted 判断快照是否已漂移失效
// 逐场所比较快照基准中间价与实时中间价，任一超过动态阈值即失效；
// 场所缺实时盘口或缺基准价时跳过该场所（数据不足不算漂移）
func (c *TierCache) drifted(snap *domain.LiquiditySnapshot) bool {
	prices := c.store.RecentTradePrices(snap.Symbol, 100)
	volume := totalVolume(c.store.Tickers(snap.Symbol))
	threshold := driftThreshold(c.driftCfg, prices, volume)

	for _, v := range snap.Venues {
		cached, ok := snap.VenueMid(v.Venue)
		if !ok {
			continue
		}
		current, ok := c.store.MidPrice(snap.Symbol, v.Venue)
		if !ok {
			continue
		}
		if pct := priceDriftPct(cached, current); pct > threshold {
			logger.Debugf("价格漂移: symbol=%s venue=%s drift=%.4f%% threshold=%.4f%%",
				snap.Symbol, v.Venue, pct, threshold)
			return true
		}
	}
	return false
}
