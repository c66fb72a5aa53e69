package liquidity

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/goliq/internal/domain"
)

var two = decimal.NewFromInt(2)
var hundred = decimal.NewFromInt(100)

// buildSnapshot 把各场所的贡献合并为一张跨场所快照
// 同价层级跨场所合并数量；bids 降序、asks 升序，每侧截断到上限
func buildSnapshot(symbol string, contributions []domain.VenueLiquidity) *domain.LiquiditySnapshot {
	snap := &domain.LiquiditySnapshot{
		Symbol:    symbol,
		Timestamp: time.Now(),
		Venues:    contributions,
	}

	snap.Bids = mergeLevels(contributions, true)
	snap.Asks = mergeLevels(contributions, false)

	snap.BestBid = bestOf(snap.Bids)
	snap.BestAsk = bestOf(snap.Asks)

	if snap.BestBid.HasLiquidity() && snap.BestAsk.HasLiquidity() {
		snap.MidPrice = snap.BestBid.Price.Add(snap.BestAsk.Price).Div(two)
		snap.Spread = snap.BestAsk.Price.Sub(snap.BestBid.Price)
		if !snap.MidPrice.IsZero() {
			snap.SpreadPct = snap.Spread.Div(snap.MidPrice).Mul(hundred)
		}
	}

	snap.VWAPMid = vwapMid(snap.Bids, snap.Asks, snap.MidPrice)
	snap.Imbalance = imbalance(snap.Bids, snap.Asks)
	return snap
}

// mergeLevels 合并一侧的所有场所层级
// 价格完全相等才合并（decimal 精确比较，不做近似归并）
func mergeLevels(contributions []domain.VenueLiquidity, bids bool) []domain.AggregatedLevel {
	byPrice := make(map[string]*domain.AggregatedLevel)

	for _, c := range contributions {
		levels := c.Asks
		if bids {
			levels = c.Bids
		}
		for _, lv := range levels {
			key := lv.Price.String()
			agg, ok := byPrice[key]
			if !ok {
				agg = &domain.AggregatedLevel{Price: lv.Price}
				byPrice[key] = agg
			}
			agg.Quantity = agg.Quantity.Add(lv.Quantity)
			agg.OrderCount += lv.OrderCount
			agg.Venues = append(agg.Venues, c.Venue)
		}
	}

	out := make([]domain.AggregatedLevel, 0, len(byPrice))
	for _, agg := range byPrice {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if bids {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if len(out) > domain.AggregatedDepthCap {
		out = out[:domain.AggregatedDepthCap]
	}
	return out
}

// bestOf 取一侧最优价，来源场所取该价位第一个贡献的场所
func bestOf(levels []domain.AggregatedLevel) domain.BestPrice {
	if len(levels) == 0 || len(levels[0].Venues) == 0 {
		return domain.BestPrice{}
	}
	return domain.BestPrice{Price: levels[0].Price, Venue: levels[0].Venues[0]}
}

// vwapMid 数量加权中间价：双侧各取前 ImbalanceDepth 层，
// 合并求 Σ(价格×数量) / Σ数量；合计数量为零时回退到普通中间价
func vwapMid(bids, asks []domain.AggregatedLevel, fallback decimal.Decimal) decimal.Decimal {
	bidNotional, bidQty := sideNotional(bids)
	askNotional, askQty := sideNotional(asks)

	totalQty := bidQty.Add(askQty)
	if totalQty.IsZero() {
		return fallback
	}
	return bidNotional.Add(askNotional).Div(totalQty)
}

func sideNotional(levels []domain.AggregatedLevel) (decimal.Decimal, decimal.Decimal) {
	n := len(levels)
	if n > domain.ImbalanceDepth {
		n = domain.ImbalanceDepth
	}
	var notional, qty decimal.Decimal
	for _, lv := range levels[:n] {
		notional = notional.Add(lv.Price.Mul(lv.Quantity))
		qty = qty.Add(lv.Quantity)
	}
	return notional, qty
}

// imbalance 订单簿失衡度 ∈ [-1, 1]
// (买量 - 卖量) / (买量 + 卖量)，双侧各取前 ImbalanceDepth 层；双侧皆空时为 0
func imbalance(bids, asks []domain.AggregatedLevel) decimal.Decimal {
	bidQty := sideQty(bids)
	askQty := sideQty(asks)
	total := bidQty.Add(askQty)
	if total.IsZero() {
		return decimal.Zero
	}
	return bidQty.Sub(askQty).Div(total)
}

func sideQty(levels []domain.AggregatedLevel) decimal.Decimal {
	n := len(levels)
	if n > domain.ImbalanceDepth {
		n = domain.ImbalanceDepth
	}
	var qty decimal.Decimal
	for _, lv := range levels[:n] {
		qty = qty.Add(lv.Quantity)
	}
	return qty
}

// totalVolume 各场所 24h 成交额合计
func totalVolume(tickers []domain.TickerSummary) decimal.Decimal {
	var sum decimal.Decimal
	for _, t := range tickers {
		sum = sum.Add(t.Volume24h)
	}
	return sum
}
