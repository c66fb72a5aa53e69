package liquidity

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/betbot/goliq/pkg/config"
)

// driftThreshold 计算动态漂移阈值（百分比）
// 基础阈值按近期波动率和成交额分段缩放，最终夹在 [MinPct, MaxPct]：
//   - 高波动（> HighVolPct%）市场价格失真快，收紧阈值更早失效（×HighVolFactor，默认 0.5）
//   - 低波动（< LowVolPct%）市场可以容忍更大偏移，放宽阈值（×LowVolFactor，默认 2.0）
//   - 高成交额 symbol 对新鲜度要求更高，收紧阈值（×HighVolumeFactor，默认 0.8）
//   - 低成交额 symbol 噪声大，放宽阈值避免频繁失效（×LowVolumeFactor，默认 1.5）
func driftThreshold(cfg config.DriftConfig, prices []decimal.Decimal, volume24h decimal.Decimal) float64 {
	threshold := cfg.BasePct

	vol := realizedVolatilityPct(prices)
	switch {
	case vol > cfg.HighVolPct:
		threshold *= cfg.HighVolFactor
	case vol < cfg.LowVolPct:
		threshold *= cfg.LowVolFactor
	}

	v, _ := volume24h.Float64()
	switch {
	case v > cfg.HighVolume:
		threshold *= cfg.HighVolumeFactor
	case v < cfg.LowVolume:
		threshold *= cfg.LowVolumeFactor
	}

	if threshold < cfg.MinPct {
		threshold = cfg.MinPct
	}
	if threshold > cfg.MaxPct {
		threshold = cfg.MaxPct
	}
	return threshold
}

// realizedVolatilityPct 用近期成交价的变异系数（标准差/均值）估算波动率百分比
// 样本不足 2 条时返回 0（按低波动处理）
func realizedVolatilityPct(prices []decimal.Decimal) float64 {
	if len(prices) < 2 {
		return 0
	}

	vals := make([]float64, 0, len(prices))
	var sum float64
	for _, p := range prices {
		f, _ := p.Float64()
		if f <= 0 {
			continue
		}
		vals = append(vals, f)
		sum += f
	}
	if len(vals) < 2 {
		return 0
	}

	mean := sum / float64(len(vals))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return math.Sqrt(variance) / mean * 100
}

// priceDriftPct 缓存基准价与实时价的偏移百分比
// 基准价为零时视为无法比较，返回 -1（调用方当作未漂移处理）
func priceDriftPct(cached, current decimal.Decimal) float64 {
	if cached.IsZero() {
		return -1
	}
	diff := current.Sub(cached).Abs()
	pct, _ := diff.Div(cached).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
