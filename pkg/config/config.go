package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/betbot/goliq/internal/domain"
)

// Config 应用配置（加载完成后所有时间字段均为 time.Duration）
type Config struct {
	LogLevel string
	LogFile  string

	APIListen     string // HTTP 查询服务监听地址（为空则不启动）
	MetricsListen string // metrics/debug 服务监听地址（为空则不启动）

	Venues []domain.VenueSpec

	WarmSymbols  []string      // 启动即订阅并周期性预热的 symbol 集合
	WarmInterval time.Duration // 预热聚合间隔（0 表示关闭预热任务）

	Cache     CacheConfig
	Drift     DriftConfig
	Fetch     FetchConfig
	Reconnect ReconnectConfig
	Health    HealthConfig
}

// CacheConfig 分层缓存配置
type CacheConfig struct {
	CEXTTL     time.Duration // 快层 TTL（中心化场所）
	DEXTTL     time.Duration // 慢层 TTL（去中心化场所）
	DefaultTTL time.Duration // 兜底层 TTL
	MaxEntries int           // 每层最大条目数
	PersistDir string        // 兜底层持久化目录（为空则不持久化）
}

// DriftConfig 动态漂移失效配置
// 分段点是经验值，保留为可调默认值而非硬编码常量
type DriftConfig struct {
	BasePct          float64 // 基础阈值（%），默认 0.1
	HighVolPct       float64 // 高波动分界（%），默认 5
	LowVolPct        float64 // 低波动分界（%），默认 1
	HighVolFactor    float64 // 高波动乘数，默认 0.5
	LowVolFactor     float64 // 低波动乘数，默认 2.0
	HighVolume       float64 // 高成交额分界（计价货币），默认 1,000,000
	LowVolume        float64 // 低成交额分界，默认 10,000
	HighVolumeFactor float64 // 高成交额乘数，默认 0.8
	LowVolumeFactor  float64 // 低成交额乘数，默认 1.5
	MinPct           float64 // 阈值下限（%），默认 0.1
	MaxPct           float64 // 阈值上限（%），默认 10
}

// FetchConfig 取数编排配置
type FetchConfig struct {
	VenueConcurrency int           // 单场所并发上限
	Timeout          time.Duration // 单次取数超时
	RetryCap         int           // 队列重试上限
	DrainInterval    time.Duration // 批量派发间隔
}

// ReconnectConfig 流式连接重连配置
type ReconnectConfig struct {
	BaseDelay   time.Duration // 退避基础延迟
	MaxDelay    time.Duration // 退避延迟上限
	MaxAttempts int           // 连续失败上限，超过后标记场所不可用
}

// HealthConfig 健康跟踪配置
type HealthConfig struct {
	StalenessThreshold   time.Duration // 失联判定阈值
	SweepInterval        time.Duration // 失联扫描间隔
	ReliabilityDecrement float64       // 每次失联扣减的可靠性分数
	LatencyWindow        int           // 延迟滚动窗口大小
}

// configFile 是 config.yaml 的结构
type configFile struct {
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
	API struct {
		Listen string `yaml:"listen"`
	} `yaml:"api"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
	Venues []struct {
		ID             string   `yaml:"id"`
		Name           string   `yaml:"name"`
		Kind           string   `yaml:"kind"`
		StreamURL      string   `yaml:"stream_url"`
		RestURL        string   `yaml:"rest_url"`
		Capabilities   []string `yaml:"capabilities"`
		PollIntervalMs int      `yaml:"poll_interval_ms"`
	} `yaml:"venues"`
	Symbols struct {
		Warm           []string `yaml:"warm"`
		WarmIntervalMs int      `yaml:"warm_interval_ms"`
	} `yaml:"symbols"`
	Cache struct {
		CEXTTLMs     int    `yaml:"cex_ttl_ms"`
		DEXTTLMs     int    `yaml:"dex_ttl_ms"`
		DefaultTTLMs int    `yaml:"default_ttl_ms"`
		MaxEntries   int    `yaml:"max_entries"`
		PersistDir   string `yaml:"persist_dir"`
	} `yaml:"cache"`
	Drift struct {
		BasePct          float64 `yaml:"base_pct"`
		HighVolPct       float64 `yaml:"high_vol_pct"`
		LowVolPct        float64 `yaml:"low_vol_pct"`
		HighVolFactor    float64 `yaml:"high_vol_factor"`
		LowVolFactor     float64 `yaml:"low_vol_factor"`
		HighVolume       float64 `yaml:"high_volume"`
		LowVolume        float64 `yaml:"low_volume"`
		HighVolumeFactor float64 `yaml:"high_volume_factor"`
		LowVolumeFactor  float64 `yaml:"low_volume_factor"`
		MinPct           float64 `yaml:"min_pct"`
		MaxPct           float64 `yaml:"max_pct"`
	} `yaml:"drift"`
	Fetch struct {
		VenueConcurrency int `yaml:"venue_concurrency"`
		TimeoutMs        int `yaml:"timeout_ms"`
		RetryCap         int `yaml:"retry_cap"`
		DrainIntervalMs  int `yaml:"drain_interval_ms"`
	} `yaml:"fetch"`
	Reconnect struct {
		BaseDelayMs int `yaml:"base_delay_ms"`
		MaxDelayMs  int `yaml:"max_delay_ms"`
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"reconnect"`
	Health struct {
		StalenessThresholdMs int     `yaml:"staleness_threshold_ms"`
		SweepIntervalMs      int     `yaml:"sweep_interval_ms"`
		ReliabilityDecrement float64 `yaml:"reliability_decrement"`
		LatencyWindow        int     `yaml:"latency_window"`
	} `yaml:"health"`
}

// Default 返回带默认值的配置（所有默认值与 spec 的推荐值一致）
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Cache: CacheConfig{
			CEXTTL:     500 * time.Millisecond,
			DEXTTL:     2000 * time.Millisecond,
			DefaultTTL: 1000 * time.Millisecond,
			MaxEntries: 256,
		},
		Drift: DriftConfig{
			BasePct:          0.1,
			HighVolPct:       5,
			LowVolPct:        1,
			HighVolFactor:    0.5,
			LowVolFactor:     2.0,
			HighVolume:       1_000_000,
			LowVolume:        10_000,
			HighVolumeFactor: 0.8,
			LowVolumeFactor:  1.5,
			MinPct:           0.1,
			MaxPct:           10,
		},
		Fetch: FetchConfig{
			VenueConcurrency: 10,
			Timeout:          5 * time.Second,
			RetryCap:         3,
			DrainInterval:    100 * time.Millisecond,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
		},
		Health: HealthConfig{
			StalenessThreshold:   10 * time.Second,
			SweepInterval:        5 * time.Second,
			ReliabilityDecrement: 0.1,
			LatencyWindow:        10,
		},
	}
}

// LoadFromFile 从 yaml 文件加载配置，环境变量（GOLIQ_*）可覆盖标量项
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	applyFile(cfg, &cf)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load 加载配置：文件不存在时退回默认值 + 环境变量
func Load(filePath string) (*Config, error) {
	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			return LoadFromFile(filePath)
		}
	}
	cfg := Default()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, cf *configFile) {
	if cf.Log.Level != "" {
		cfg.LogLevel = cf.Log.Level
	}
	cfg.LogFile = cf.Log.File
	cfg.APIListen = cf.API.Listen
	cfg.MetricsListen = cf.Metrics.Listen

	for _, v := range cf.Venues {
		caps := make([]domain.Capability, 0, len(v.Capabilities))
		for _, c := range v.Capabilities {
			caps = append(caps, domain.Capability(c))
		}
		cfg.Venues = append(cfg.Venues, domain.VenueSpec{
			ID:           v.ID,
			Name:         v.Name,
			Kind:         domain.VenueKind(v.Kind),
			StreamURL:    v.StreamURL,
			RestURL:      v.RestURL,
			Capabilities: caps,
			PollInterval: msOrDefault(v.PollIntervalMs, 2000),
		})
	}

	cfg.WarmSymbols = cf.Symbols.Warm
	cfg.WarmInterval = msOrDefault(cf.Symbols.WarmIntervalMs, 0)

	if cf.Cache.CEXTTLMs > 0 {
		cfg.Cache.CEXTTL = ms(cf.Cache.CEXTTLMs)
	}
	if cf.Cache.DEXTTLMs > 0 {
		cfg.Cache.DEXTTL = ms(cf.Cache.DEXTTLMs)
	}
	if cf.Cache.DefaultTTLMs > 0 {
		cfg.Cache.DefaultTTL = ms(cf.Cache.DefaultTTLMs)
	}
	if cf.Cache.MaxEntries > 0 {
		cfg.Cache.MaxEntries = cf.Cache.MaxEntries
	}
	cfg.Cache.PersistDir = cf.Cache.PersistDir

	applyFloat(&cfg.Drift.BasePct, cf.Drift.BasePct)
	applyFloat(&cfg.Drift.HighVolPct, cf.Drift.HighVolPct)
	applyFloat(&cfg.Drift.LowVolPct, cf.Drift.LowVolPct)
	applyFloat(&cfg.Drift.HighVolFactor, cf.Drift.HighVolFactor)
	applyFloat(&cfg.Drift.LowVolFactor, cf.Drift.LowVolFactor)
	applyFloat(&cfg.Drift.HighVolume, cf.Drift.HighVolume)
	applyFloat(&cfg.Drift.LowVolume, cf.Drift.LowVolume)
	applyFloat(&cfg.Drift.HighVolumeFactor, cf.Drift.HighVolumeFactor)
	applyFloat(&cfg.Drift.LowVolumeFactor, cf.Drift.LowVolumeFactor)
	applyFloat(&cfg.Drift.MinPct, cf.Drift.MinPct)
	applyFloat(&cfg.Drift.MaxPct, cf.Drift.MaxPct)

	if cf.Fetch.VenueConcurrency > 0 {
		cfg.Fetch.VenueConcurrency = cf.Fetch.VenueConcurrency
	}
	if cf.Fetch.TimeoutMs > 0 {
		cfg.Fetch.Timeout = ms(cf.Fetch.TimeoutMs)
	}
	if cf.Fetch.RetryCap > 0 {
		cfg.Fetch.RetryCap = cf.Fetch.RetryCap
	}
	if cf.Fetch.DrainIntervalMs > 0 {
		cfg.Fetch.DrainInterval = ms(cf.Fetch.DrainIntervalMs)
	}

	if cf.Reconnect.BaseDelayMs > 0 {
		cfg.Reconnect.BaseDelay = ms(cf.Reconnect.BaseDelayMs)
	}
	if cf.Reconnect.MaxDelayMs > 0 {
		cfg.Reconnect.MaxDelay = ms(cf.Reconnect.MaxDelayMs)
	}
	if cf.Reconnect.MaxAttempts > 0 {
		cfg.Reconnect.MaxAttempts = cf.Reconnect.MaxAttempts
	}

	if cf.Health.StalenessThresholdMs > 0 {
		cfg.Health.StalenessThreshold = ms(cf.Health.StalenessThresholdMs)
	}
	if cf.Health.SweepIntervalMs > 0 {
		cfg.Health.SweepInterval = ms(cf.Health.SweepIntervalMs)
	}
	if cf.Health.ReliabilityDecrement > 0 {
		cfg.Health.ReliabilityDecrement = cf.Health.ReliabilityDecrement
	}
	if cf.Health.LatencyWindow > 0 {
		cfg.Health.LatencyWindow = cf.Health.LatencyWindow
	}
}

// applyEnv 用环境变量覆盖标量配置（容器部署时不改配置文件）
func applyEnv(cfg *Config) {
	if v := os.Getenv("GOLIQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GOLIQ_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("GOLIQ_API_LISTEN"); v != "" {
		cfg.APIListen = v
	}
	if v := os.Getenv("GOLIQ_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
	if v := os.Getenv("GOLIQ_CACHE_PERSIST_DIR"); v != "" {
		cfg.Cache.PersistDir = v
	}
	if n := intEnv("GOLIQ_VENUE_CONCURRENCY"); n > 0 {
		cfg.Fetch.VenueConcurrency = n
	}
	if n := intEnv("GOLIQ_FETCH_TIMEOUT_MS"); n > 0 {
		cfg.Fetch.Timeout = ms(n)
	}
}

// Validate 检查配置合法性
func (c *Config) Validate() error {
	if c.Fetch.VenueConcurrency <= 0 {
		return fmt.Errorf("fetch.venue_concurrency 必须 > 0")
	}
	if c.Fetch.RetryCap < 0 {
		return fmt.Errorf("fetch.retry_cap 不能为负")
	}
	if c.Cache.CEXTTL <= 0 || c.Cache.DEXTTL <= 0 || c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("缓存 TTL 必须 > 0")
	}
	if c.Drift.MinPct > c.Drift.MaxPct {
		return fmt.Errorf("drift.min_pct (%v) 不能大于 drift.max_pct (%v)", c.Drift.MinPct, c.Drift.MaxPct)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts 必须 > 0")
	}
	if c.Health.ReliabilityDecrement <= 0 || c.Health.ReliabilityDecrement > 1 {
		return fmt.Errorf("health.reliability_decrement 必须在 (0,1] 内")
	}
	for _, v := range c.Venues {
		if !v.IsValid() {
			return fmt.Errorf("场所配置无效: id=%q kind=%q", v.ID, v.Kind)
		}
	}
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func msOrDefault(n, def int) time.Duration {
	if n <= 0 {
		return ms(def)
	}
	return ms(n)
}

func applyFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func intEnv(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
