// Package pending 待定会话登记表
//
// 记录已受理但尚未绑定设备的会话请求。登记表只做清理簿记和观测，
// 不参与分配决策：分配的权威状态在设备存储的 busy 字段上。
//
// 生命周期：
//
//	受理请求 → Admit 登记 → 分配成功/失败 → Remove 摘除
//	                      ↘ 客户端中途断开 → 清理循环按时限强制清除
package pending

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"device-farm/internal/shared/model"
)

// Registry 待定会话登记表，并发安全
type Registry struct {
	mu      sync.Mutex
	entries map[string]*model.PendingSession
	nowFunc func() time.Time
}

// NewRegistry 创建登记表
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*model.PendingSession),
		nowFunc: time.Now,
	}
}

// Admit 登记一个新受理的会话请求，返回关联 ID
func (r *Registry) Admit(caps *model.CapabilitySet) string {
	id := generateCapabilityID()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &model.PendingSession{
		CapabilityID: id,
		Capabilities: caps,
		CreatedAt:    r.nowFunc().UnixMilli(),
	}
	return id
}

// Remove 摘除登记项，重复摘除是空操作
func (r *Registry) Remove(capabilityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, capabilityID)
}

// Get 查询登记项，不存在时返回 nil
func (r *Registry) Get(capabilityID string) *model.PendingSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[capabilityID]
}

// List 返回当前全部登记项的副本
func (r *Registry) List() []*model.PendingSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.PendingSession, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p)
	}
	return out
}

// Count 当前登记项数量
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// PurgeOlderThan 清除存活时长超过 maxAge 的登记项，返回清除数量
//
// 清理循环调用：时限取 device-availability-timeout 加宽限期，
// 此时原请求自身的超时必已触发。
func (r *Registry) PurgeOlderThan(maxAge time.Duration) int {
	now := r.nowFunc()

	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, p := range r.entries {
		if p.Age(now) > maxAge {
			delete(r.entries, id)
			purged++
		}
	}
	return purged
}

// generateCapabilityID 生成关联 ID
func generateCapabilityID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
