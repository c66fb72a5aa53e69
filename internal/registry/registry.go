package registry

import (
	"sync"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/pkg/logger"
)

// Registry 场所注册表
// 启动时从配置加载；运行期只有健康跟踪器会修改可靠性分数，
// 场所不会在运行期被删除
type Registry struct {
	mu     sync.RWMutex
	venues map[string]*domain.Venue
	order  []string // 保持注册顺序，聚合时的遍历顺序以此为准
}

// New 创建空注册表
func New() *Registry {
	return &Registry{
		venues: make(map[string]*domain.Venue),
	}
}

// Load 从配置批量注册场所，跳过无效配置
func Load(specs []domain.VenueSpec) *Registry {
	r := New()
	for _, spec := range specs {
		if !spec.IsValid() {
			logger.Warnf("跳过无效的场所配置: id=%q kind=%q", spec.ID, spec.Kind)
			continue
		}
		r.Register(spec)
	}
	return r
}

// Register 注册（或重新注册）场所
// 重新注册会把可靠性分数重置为 1.0 —— 这是人工恢复的入口之一
func (r *Registry) Register(spec domain.VenueSpec) *domain.Venue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.venues[spec.ID]; !exists {
		r.order = append(r.order, spec.ID)
	}
	v := domain.NewVenue(spec)
	r.venues[spec.ID] = v
	return v
}

// Get 按 ID 获取场所
func (r *Registry) Get(id string) (*domain.Venue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[id]
	return v, ok
}

// All 按注册顺序返回所有场所
func (r *Registry) All() []*domain.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Venue, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.venues[id])
	}
	return out
}

// Streaming 返回具备流式能力的场所
func (r *Registry) Streaming() []*domain.Venue {
	return r.filter(domain.CapabilityStream)
}

// Polling 返回只能 REST 轮询的场所
func (r *Registry) Polling() []*domain.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Venue, 0)
	for _, id := range r.order {
		v := r.venues[id]
		if !v.Has(domain.CapabilityStream) && v.Has(domain.CapabilityRest) {
			out = append(out, v)
		}
	}
	return out
}

func (r *Registry) filter(c domain.Capability) []*domain.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Venue, 0)
	for _, id := range r.order {
		if r.venues[id].Has(c) {
			out = append(out, r.venues[id])
		}
	}
	return out
}

// MarkOperational 设置场所可用状态
func (r *Registry) MarkOperational(id string, operational bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.venues[id]; ok {
		v.Operational = operational
	}
}

// IsOperational 查询场所可用状态
func (r *Registry) IsOperational(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[id]
	return ok && v.Operational
}

// DecayReliability 衰减可靠性分数（下限 0）
// 只减不增：分数只有通过 ResetReliability 或重新注册才会恢复
func (r *Registry) DecayReliability(id string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.venues[id]
	if !ok {
		return
	}
	v.Reliability -= delta
	if v.Reliability < 0 {
		v.Reliability = 0
	}
}

// ResetReliability 人工恢复可靠性分数到 1.0
func (r *Registry) ResetReliability(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.venues[id]; ok {
		v.Reliability = 1.0
	}
}

// Reliability 查询可靠性分数
func (r *Registry) Reliability(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.venues[id]; ok {
		return v.Reliability
	}
	return 0
}

// Size 场所数量
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.venues)
}
