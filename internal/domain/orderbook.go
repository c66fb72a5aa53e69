package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// BookDepthCap 每侧最多保留的价格层级数
	BookDepthCap = 50
	// TradeHistoryCap 每个 (symbol, venue) 保留的成交记录上限
	TradeHistoryCap = 1000
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderBookLevel 订单簿单个价格层级
type OrderBookLevel struct {
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	OrderCount int
}

// OrderBook 单一场所的订单簿快照
// Bids 按价格降序，Asks 按价格升序，每侧最多 BookDepthCap 层
// Sequence 在场所提供时单调不减；整本替换，禁止跨事件的部分原地更新
type OrderBook struct {
	Symbol    string
	Venue     string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Sequence  int64 // 0 表示场所不提供序列号
	UpdatedAt time.Time
}

// BestBid 返回最优买价层级（无买盘时返回 false）
func (b *OrderBook) BestBid() (OrderBookLevel, bool) {
	if len(b.Bids) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk 返回最优卖价层级（无卖盘时返回 false）
func (b *OrderBook) BestAsk() (OrderBookLevel, bool) {
	if len(b.Asks) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Asks[0], true
}

// MidPrice 返回买卖中间价；任一侧为空时返回 false
func (b *OrderBook) MidPrice() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Trade 成交记录
type Trade struct {
	ID        string
	Symbol    string
	Venue     string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Side      Side
	Timestamp time.Time
}

// TickerSummary 场所级行情摘要（由 ticker 消息合并而来）
type TickerSummary struct {
	Symbol    string
	Venue     string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Last      decimal.Decimal
	Volume24h decimal.Decimal // 24h 成交额（计价货币）
	UpdatedAt time.Time
}
