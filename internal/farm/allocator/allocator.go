// Package allocator 设备分配器
//
// 分配是轮询 + 短临界区模型：等待空闲设备时不持锁，只有「选中候选 →
// 复查仍空闲 → 预留」这一步进入全局互斥段。任意两个并发分配都可能
// 竞争同一台候选设备，锁内复查是结构上防止双重分配的唯一位置。
//
//	┌─ 快照 ─ 匹配 ─┐ 无候选 → 睡眠 pollInterval → 重试
//	│               ↓有候选
//	│      ┌── mu.Lock ──┐
//	│      │ 复查空闲     │ 已被抢 → 重试下一候选
//	│      │ 条件预留     │
//	│      └── mu.Unlock ─┘
//	└─ 超时 → ErrAllocationTimeout
package allocator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"device-farm/internal/farm/capability"
	"device-farm/internal/shared/model"
)

// ErrAllocationTimeout 等待超时仍无可分配设备
var ErrAllocationTimeout = errors.New("allocator: no matching device became free within timeout")

// DeviceReserver 分配器对存储层的最小依赖
type DeviceReserver interface {
	ListDevices(ctx context.Context, filter *model.DeviceFilter) ([]*model.Device, error)
	GetDevice(ctx context.Context, udid, nodeID string) (*model.Device, error)
	ReserveDevice(ctx context.Context, udid, nodeID, placeholderSessionID string) (bool, error)
}

// Allocator 设备分配器
//
// 互斥段的粒度是整个分配器实例（单一全局命名锁），测试可直接构造
// 实例注入存储替身。
type Allocator struct {
	// mu 全局分配互斥段。挂在实例上而非包级：包级锁会让测试中的
	// 两个分配器实例互相阻塞；生产进程只构造一个分配器。
	mu    sync.Mutex
	store DeviceReserver
	now   func() time.Time
}

// New 创建分配器
func New(store DeviceReserver) *Allocator {
	return &Allocator{store: store, now: time.Now}
}

// Allocate 等待并预留一台满足能力集的设备
//
// 成功时返回已预留的设备（busy=true，session_id 为占位标记），
// 超出 timeout 时返回 ErrAllocationTimeout。调用方超时后收到迟来
// 的成功结果时必须立即释放设备，分配器本身不支持中途取消。
func (a *Allocator) Allocate(ctx context.Context, caps *model.CapabilitySet, pendingID string, timeout, pollInterval time.Duration) (*model.Device, error) {
	deadline := a.now().Add(timeout)
	placeholder := "pending-" + pendingID

	for {
		snapshot, err := a.store.ListDevices(ctx, nil)
		if err != nil {
			// 存储瞬时不可用：记录后按轮询节奏重试，等总超时兜底
			log.Printf("[allocator.snapshot] error=%v", err)
		} else {
			candidates := capability.Match(caps, snapshot)
			for _, candidate := range candidates {
				reserved, err := a.tryReserve(ctx, candidate, placeholder)
				if err != nil {
					log.Printf("[allocator.reserve] udid=%s error=%v", candidate.UDID, err)
					continue
				}
				if reserved != nil {
					return reserved, nil
				}
				// 候选在快照与预留之间被抢走，尝试下一台
			}
		}

		if a.now().After(deadline) {
			return nil, ErrAllocationTimeout
		}

		sleep := pollInterval
		if remaining := deadline.Sub(a.now()); remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// tryReserve 在互斥段内复查并预留候选设备
//
// 返回 (nil, nil) 表示候选已被其它分配抢走，调用方换下一台重试。
func (a *Allocator) tryReserve(ctx context.Context, candidate *model.Device, placeholder string) (*model.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// 锁内复查：快照可能已过期
	current, err := a.store.GetDevice(ctx, candidate.UDID, candidate.NodeID)
	if err != nil {
		return nil, err
	}
	if current == nil || !current.IsFree() {
		return nil, nil
	}

	ok, err := a.store.ReserveDevice(ctx, candidate.UDID, candidate.NodeID, placeholder)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	reserved, err := a.store.GetDevice(ctx, candidate.UDID, candidate.NodeID)
	if err != nil {
		return nil, err
	}
	log.Printf("[allocator.reserved] udid=%s node=%s pending=%s", candidate.UDID, candidate.NodeID, placeholder)
	return reserved, nil
}
