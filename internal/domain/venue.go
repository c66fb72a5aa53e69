package domain

import "time"

// VenueKind 交易场所类型
type VenueKind string

const (
	VenueKindCentralized   VenueKind = "centralized"
	VenueKindDecentralized VenueKind = "decentralized"
)

// Capability 场所能力标志
type Capability string

const (
	CapabilityStream Capability = "stream" // 支持 WebSocket 流式推送
	CapabilityRest   Capability = "rest"   // 支持 REST 深度查询（DEX 轮询）
	CapabilityTrades Capability = "trades" // 提供成交数据
	CapabilityTicker Capability = "ticker" // 提供 ticker 摘要
)

// VenueSpec 场所静态配置（来自配置文件）
type VenueSpec struct {
	ID           string
	Name         string
	Kind         VenueKind
	StreamURL    string
	RestURL      string
	Capabilities []Capability
	PollInterval time.Duration // DEX 轮询间隔（仅 rest 能力场所使用）
}

// Venue 交易场所领域模型
// 注册时创建，运行期不删除；Reliability 只由健康跟踪器衰减，
// 不会自动恢复（需要外部 Reset 或重新注册）
type Venue struct {
	ID           string
	Name         string
	Kind         VenueKind
	StreamURL    string
	RestURL      string
	Capabilities map[Capability]bool
	PollInterval time.Duration
	Operational  bool
	Reliability  float64 // ∈[0,1]
	RegisteredAt time.Time
}

// NewVenue 从配置创建场所
func NewVenue(spec VenueSpec) *Venue {
	caps := make(map[Capability]bool, len(spec.Capabilities))
	for _, c := range spec.Capabilities {
		caps[c] = true
	}
	return &Venue{
		ID:           spec.ID,
		Name:         spec.Name,
		Kind:         spec.Kind,
		StreamURL:    spec.StreamURL,
		RestURL:      spec.RestURL,
		Capabilities: caps,
		PollInterval: spec.PollInterval,
		Operational:  true,
		Reliability:  1.0,
		RegisteredAt: time.Now(),
	}
}

// Has 检查场所是否具备某个能力
func (v *Venue) Has(c Capability) bool {
	return v.Capabilities[c]
}

// IsValid 验证场所配置是否有效
func (s VenueSpec) IsValid() bool {
	if s.ID == "" {
		return false
	}
	if s.Kind != VenueKindCentralized && s.Kind != VenueKindDecentralized {
		return false
	}
	return true
}
