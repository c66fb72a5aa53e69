package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CacheTier 缓存层标签
type CacheTier string

const (
	TierCEX     CacheTier = "cex"
	TierDEX     CacheTier = "dex"
	TierDefault CacheTier = "default"
)

const (
	// AggregatedDepthCap 聚合后每侧最多保留的层级数
	AggregatedDepthCap = 100
	// ImbalanceDepth 计算失衡度/加权中间价时每侧取的层级数
	ImbalanceDepth = 10
)

// AggregatedLevel 跨场所聚合后的价格层级
// 不变式：同一侧内价格严格有序且唯一（bids 降序，asks 升序）
type AggregatedLevel struct {
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Venues     []string
	OrderCount int
}

// BestPrice 最优价及其来源场所
// Venue 为空表示该侧无流动性（哨兵值），此时 Price 为零值
type BestPrice struct {
	Price decimal.Decimal
	Venue string
}

// HasLiquidity 该侧是否有流动性
func (p BestPrice) HasLiquidity() bool {
	return p.Venue != ""
}

// VenueLiquidity 单一场所对快照的贡献
type VenueLiquidity struct {
	Venue     string
	Kind      VenueKind
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	MidPrice  decimal.Decimal // 漂移检查的对照基准；零值表示该场所缺一侧盘口
	UpdatedAt time.Time
}

// LiquiditySnapshot 某个 symbol 的跨场所流动性快照
// 构造后不可变，按值缓存
type LiquiditySnapshot struct {
	Symbol    string
	Timestamp time.Time
	Venues    []VenueLiquidity
	Bids      []AggregatedLevel
	Asks      []AggregatedLevel
	BestBid   BestPrice
	BestAsk   BestPrice
	MidPrice  decimal.Decimal
	VWAPMid   decimal.Decimal // 按数量加权的中间价；总量为零时回退到 MidPrice
	Spread    decimal.Decimal
	SpreadPct decimal.Decimal
	Imbalance decimal.Decimal // ∈[-1,1]，双侧皆空时为 0
}

// VenueMid 返回快照中记录的某场所中间价（用于漂移检查）
func (s *LiquiditySnapshot) VenueMid(venue string) (decimal.Decimal, bool) {
	for _, v := range s.Venues {
		if v.Venue == venue {
			if v.MidPrice.IsZero() {
				return decimal.Zero, false
			}
			return v.MidPrice, true
		}
	}
	return decimal.Zero, false
}

// BatchRequest 超出并发上限后排队的取数请求
// 只存在于场所的等待队列中；成功派发或重试超限（3 次）后移除
type BatchRequest struct {
	Venue      string
	Symbol     string
	EnqueuedAt time.Time
	Retries    int
}

// MarketData 场所级 + 聚合级行情摘要（GetMarketData 返回值）
type MarketData struct {
	Symbol     string
	Timestamp  time.Time
	Venues     []TickerSummary
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	Last       decimal.Decimal // 各场所里最新更新的成交价
	Volume24h  decimal.Decimal // 跨场所 24h 成交额合计
	VenueCount int
}
