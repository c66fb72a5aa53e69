// Package ingest 负责多场所行情接入：WebSocket 流式订阅与 DEX REST 轮询
// 所有入站数据统一落入 state.Store，下游只消费 Store
package ingest

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/goliq/internal/domain"
)

// subscribeParams 订阅参数
type subscribeParams struct {
	Channels []string `json:"channels"`
	Symbols  []string `json:"symbols"`
}

// subscribeMessage 订阅/退订请求
type subscribeMessage struct {
	Method string          `json:"method"` // subscribe / unsubscribe
	Params subscribeParams `json:"params"`
}

// inboundMessage 入站消息统一信封，Type 为判别字段
// 订单簿层级用 [price, qty, order_count?] 数组表示，数字按字符串解析避免精度丢失
type inboundMessage struct {
	Type      string          `json:"type"` // orderbook / trade / ticker
	Symbol    string          `json:"symbol"`
	Sequence  int64           `json:"sequence,omitempty"`
	Bids      [][]json.Number `json:"bids,omitempty"`
	Asks      [][]json.Number `json:"asks,omitempty"`
	TradeID   string          `json:"trade_id,omitempty"`
	Price     json.Number     `json:"price,omitempty"`
	Quantity  json.Number     `json:"quantity,omitempty"`
	Side      string          `json:"side,omitempty"`
	BestBid   json.Number     `json:"best_bid,omitempty"`
	BestAsk   json.Number     `json:"best_ask,omitempty"`
	Last      json.Number     `json:"last,omitempty"`
	Volume24h json.Number     `json:"volume_24h,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // 毫秒
}

func (m *inboundMessage) time() time.Time {
	if m.Timestamp <= 0 {
		return time.Now()
	}
	return time.UnixMilli(m.Timestamp)
}

// parseLevels 把 [price, qty, count?] 数组解析为订单簿层级
// 格式非法的层级直接跳过，不让单条脏数据拖垮整本订单簿
func parseLevels(raw [][]json.Number) []domain.OrderBookLevel {
	out := make([]domain.OrderBookLevel, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			continue
		}
		price, err := decimal.NewFromString(lv[0].String())
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(lv[1].String())
		if err != nil {
			continue
		}
		level := domain.OrderBookLevel{Price: price, Quantity: qty}
		if len(lv) >= 3 {
			if n, err := lv[2].Int64(); err == nil {
				level.OrderCount = int(n)
			}
		}
		out = append(out, level)
	}
	return out
}

func parseDecimal(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

// toOrderBook 把入站订单簿消息转换为领域模型
func (m *inboundMessage) toOrderBook(venue string) *domain.OrderBook {
	return &domain.OrderBook{
		Symbol:    m.Symbol,
		Venue:     venue,
		Bids:      parseLevels(m.Bids),
		Asks:      parseLevels(m.Asks),
		Sequence:  m.Sequence,
		UpdatedAt: m.time(),
	}
}

// toTrade 把入站成交消息转换为领域模型
func (m *inboundMessage) toTrade(venue string) domain.Trade {
	return domain.Trade{
		ID:        m.TradeID,
		Symbol:    m.Symbol,
		Venue:     venue,
		Price:     parseDecimal(m.Price),
		Quantity:  parseDecimal(m.Quantity),
		Side:      domain.Side(m.Side),
		Timestamp: m.time(),
	}
}

// toTicker 把入站 ticker 消息转换为领域模型
func (m *inboundMessage) toTicker(venue string) domain.TickerSummary {
	return domain.TickerSummary{
		Symbol:    m.Symbol,
		Venue:     venue,
		BestBid:   parseDecimal(m.BestBid),
		BestAsk:   parseDecimal(m.BestAsk),
		Last:      parseDecimal(m.Last),
		Volume24h: parseDecimal(m.Volume24h),
		UpdatedAt: m.time(),
	}
}
