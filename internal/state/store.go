package state

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/pkg/logger"
)

type bookKey struct {
	symbol string
	venue  string
}

// Store 场所级实时状态存储
// 写入方只有各场所自己的接入协程（不跨场所写），读取方是编排器/聚合器
// 订单簿整本替换，避免跨事件的部分更新导致撕裂
type Store struct {
	mu      sync.RWMutex
	books   map[bookKey]*domain.OrderBook
	trades  map[bookKey][]domain.Trade
	tickers map[bookKey]*domain.TickerSummary
	// lastUpdate 记录场所级的最近一次消息时间（任意 symbol），供健康跟踪器做失联检查
	lastUpdate map[string]time.Time
}

// NewStore 创建空的状态存储
func NewStore() *Store {
	return &Store{
		books:      make(map[bookKey]*domain.OrderBook),
		trades:     make(map[bookKey][]domain.Trade),
		tickers:    make(map[bookKey]*domain.TickerSummary),
		lastUpdate: make(map[string]time.Time),
	}
}

// ApplyBook 整本替换订单簿
// 场所提供序列号时，序列号 ≤ 已应用值的消息（乱序/重复）会被丢弃
// 返回是否实际应用
func (s *Store) ApplyBook(book *domain.OrderBook) bool {
	if book == nil || book.Symbol == "" || book.Venue == "" {
		return false
	}

	// 每侧截断到深度上限
	if len(book.Bids) > domain.BookDepthCap {
		book.Bids = book.Bids[:domain.BookDepthCap]
	}
	if len(book.Asks) > domain.BookDepthCap {
		book.Asks = book.Asks[:domain.BookDepthCap]
	}
	if book.UpdatedAt.IsZero() {
		book.UpdatedAt = time.Now()
	}

	key := bookKey{symbol: book.Symbol, venue: book.Venue}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.books[key]; ok && book.Sequence > 0 && prev.Sequence > 0 {
		if book.Sequence <= prev.Sequence {
			logger.Debugf("丢弃乱序订单簿消息: venue=%s symbol=%s seq=%d last=%d",
				book.Venue, book.Symbol, book.Sequence, prev.Sequence)
			return false
		}
	}

	s.books[key] = book
	s.lastUpdate[book.Venue] = book.UpdatedAt
	return true
}

// AddTrade 添加成交记录（最新在前，超出上限时淘汰最旧）
// 场所未提供成交 ID 时补一个 uuid，保证可去重
func (s *Store) AddTrade(trade domain.Trade) {
	if trade.Symbol == "" || trade.Venue == "" {
		return
	}
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.Timestamp.IsZero() {
		trade.Timestamp = time.Now()
	}

	key := bookKey{symbol: trade.Symbol, venue: trade.Venue}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.trades[key]
	history = append([]domain.Trade{trade}, history...)
	if len(history) > domain.TradeHistoryCap {
		history = history[:domain.TradeHistoryCap]
	}
	s.trades[key] = history
	s.lastUpdate[trade.Venue] = trade.Timestamp
}

// MergeTicker 合并行情摘要（零值字段不覆盖已有值）
func (s *Store) MergeTicker(t domain.TickerSummary) {
	if t.Symbol == "" || t.Venue == "" {
		return
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}

	key := bookKey{symbol: t.Symbol, venue: t.Venue}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tickers[key]
	if !ok {
		cp := t
		s.tickers[key] = &cp
		s.lastUpdate[t.Venue] = t.UpdatedAt
		return
	}

	if !t.BestBid.IsZero() {
		prev.BestBid = t.BestBid
	}
	if !t.BestAsk.IsZero() {
		prev.BestAsk = t.BestAsk
	}
	if !t.Last.IsZero() {
		prev.Last = t.Last
	}
	if !t.Volume24h.IsZero() {
		prev.Volume24h = t.Volume24h
	}
	prev.UpdatedAt = t.UpdatedAt
	s.lastUpdate[t.Venue] = t.UpdatedAt
}

// Book 读取订单簿（返回内部指针，调用方不得修改）
func (s *Store) Book(symbol, venue string) (*domain.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[bookKey{symbol: symbol, venue: venue}]
	return b, ok
}

// Trades 返回最近 limit 条成交（最新在前）；limit<=0 时返回全部
func (s *Store) Trades(symbol, venue string, limit int) []domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.trades[bookKey{symbol: symbol, venue: venue}]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]domain.Trade, limit)
	copy(out, history[:limit])
	return out
}

// Ticker 读取行情摘要
func (s *Store) Ticker(symbol, venue string) (domain.TickerSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[bookKey{symbol: symbol, venue: venue}]
	if !ok {
		return domain.TickerSummary{}, false
	}
	return *t, true
}

// Tickers 返回某 symbol 在所有场所的行情摘要
func (s *Store) Tickers(symbol string) []domain.TickerSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TickerSummary, 0)
	for key, t := range s.tickers {
		if key.symbol == symbol {
			out = append(out, *t)
		}
	}
	return out
}

// MidPrice 返回某 (symbol, venue) 的实时中间价（漂移检查用）
func (s *Store) MidPrice(symbol, venue string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[bookKey{symbol: symbol, venue: venue}]
	if !ok {
		return decimal.Zero, false
	}
	return b.MidPrice()
}

// LastUpdate 场所最近一次收到消息的时间
func (s *Store) LastUpdate(venue string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastUpdate[venue]
	return t, ok
}

// RecentTradePrices 按时间从新到旧合并各场所成交价（波动率估算用）
func (s *Store) RecentTradePrices(symbol string, limit int) []decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := make([]domain.Trade, 0, limit)
	for key, history := range s.trades {
		if key.symbol != symbol {
			continue
		}
		merged = append(merged, history...)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	out := make([]decimal.Decimal, 0, len(merged))
	for _, t := range merged {
		out = append(out, t.Price)
	}
	return out
}

// Clear 释放所有状态（关闭时调用）
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = make(map[bookKey]*domain.OrderBook)
	s.trades = make(map[bookKey][]domain.Trade)
	s.tickers = make(map[bookKey]*domain.TickerSummary)
	s.lastUpdate = make(map[string]time.Time)
}

// Size 返回订单簿条目数（测试/调试用）
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books)
}
