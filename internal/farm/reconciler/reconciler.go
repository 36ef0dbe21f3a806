// Package reconciler 后台巡检循环
//
// 三个相互独立的周期任务，全部幂等、允许和在飞分配重叠执行：
//   - 失联节点巡检：超过阈值未上报的节点整体标记 offline
//   - 滞留会话释放：busy 时长超过 new-command-timeout 的设备强制解封
//     （兜底手段，正常释放走会话删除路径）
//   - 待定登记清理：超过 分配时限+宽限期 的登记项强制清除
//
// 存储瞬时不可用只记日志，下一个周期重试，永不让进程退出。
package reconciler

import (
	"context"
	"log"
	"time"

	"device-farm/internal/farm/pending"
	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage"
)

// Options 巡检配置
type Options struct {
	StaleNodeInterval     time.Duration // 失联节点巡检周期
	StaleNodeThreshold    time.Duration // 节点多久未上报算失联
	BlockedDeviceInterval time.Duration // 滞留会话巡检周期
	NewCommandTimeout     time.Duration // 设备多久无命令算会话已死
	PendingPurgeInterval  time.Duration // 待定登记清理周期
	PendingMaxAge         time.Duration // 登记项最大存活时长（分配时限+宽限期）

	// SkipDeviceSweeps 云厂商模式下设备状态由厂商维护，跳过
	// 失联/滞留两类设备巡检，只保留待定登记清理
	SkipDeviceSweeps bool
}

// Reconciler 后台巡检器
type Reconciler struct {
	store   storage.Store
	pending *pending.Registry
	opts    Options
	now     func() time.Time
}

// New 创建巡检器
func New(store storage.Store, reg *pending.Registry, opts Options) *Reconciler {
	return &Reconciler{store: store, pending: reg, opts: opts, now: time.Now}
}

// Run 启动全部巡检循环，阻塞直到 ctx 取消
func (r *Reconciler) Run(ctx context.Context) {
	if !r.opts.SkipDeviceSweeps {
		go r.loop(ctx, r.opts.StaleNodeInterval, r.SweepStaleNodes)
		go r.loop(ctx, r.opts.BlockedDeviceInterval, r.ReleaseBlockedDevices)
	}
	r.loop(ctx, r.opts.PendingPurgeInterval, func(ctx context.Context) { r.PurgePending() })
}

func (r *Reconciler) loop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// SweepStaleNodes 把失联节点及其设备标记为 offline
func (r *Reconciler) SweepStaleNodes(ctx context.Context) {
	nodes, err := r.store.ListStaleNodes(ctx, r.opts.StaleNodeThreshold)
	if err != nil {
		log.Printf("[reconciler.stale_nodes] error=%v", err)
		sweepsTotal.WithLabelValues("stale_nodes", "error").Inc()
		return
	}
	sweepsTotal.WithLabelValues("stale_nodes", "ok").Inc()

	for _, node := range nodes {
		marked, err := r.store.MarkNodeDevicesOffline(ctx, node.ID)
		if err != nil {
			log.Printf("[reconciler.stale_nodes] node=%s error=%v", node.ID, err)
			continue
		}
		if err := r.store.SetNodeStatus(ctx, node.ID, model.NodeStatusOffline); err != nil {
			log.Printf("[reconciler.stale_nodes] node=%s error=%v", node.ID, err)
			continue
		}
		reclaimedTotal.WithLabelValues("stale_nodes").Add(float64(marked))
		log.Printf("[reconciler.stale_nodes] node=%s devices_offline=%d", node.ID, marked)
	}
}

// ReleaseBlockedDevices 解封会话已死但未释放的设备
func (r *Reconciler) ReleaseBlockedDevices(ctx context.Context) {
	devices, err := r.store.ListDevices(ctx, &model.DeviceFilter{Busy: model.Bool(true)})
	if err != nil {
		log.Printf("[reconciler.blocked] error=%v", err)
		sweepsTotal.WithLabelValues("blocked_devices", "error").Inc()
		return
	}
	sweepsTotal.WithLabelValues("blocked_devices", "ok").Inc()

	now := r.now()
	for _, d := range devices {
		if d.BusyDuration(now) <= r.opts.NewCommandTimeout {
			continue
		}
		released, err := r.store.UnblockDevices(ctx, &model.DeviceFilter{
			UDID:   model.Str(d.UDID),
			NodeID: model.Str(d.NodeID),
		})
		if err != nil {
			log.Printf("[reconciler.blocked] udid=%s error=%v", d.UDID, err)
			continue
		}
		if released > 0 {
			reclaimedTotal.WithLabelValues("blocked_devices").Add(float64(released))
			log.Printf("[reconciler.blocked] udid=%s node=%s idle=%s", d.UDID, d.NodeID, d.BusyDuration(now))
		}
	}
}

// PurgePending 清除过期的待定登记项
func (r *Reconciler) PurgePending() {
	sweepsTotal.WithLabelValues("pending", "ok").Inc()
	if purged := r.pending.PurgeOlderThan(r.opts.PendingMaxAge); purged > 0 {
		reclaimedTotal.WithLabelValues("pending").Add(float64(purged))
		log.Printf("[reconciler.pending] purged=%d", purged)
	}
}
