package topology

import (
	"context"
	"log"
	"time"

	"device-farm/internal/farm/discovery"
)

// Pusher 节点设备列表上报循环
//
// 按固定间隔把本节点设备推给 Hub；单次失败只记日志，等下一个
// 周期重试。Hub 据 last_reported_at 判定节点是否失联。
type Pusher struct {
	topo     *Topology
	hub      *HubClient
	provider discovery.DeviceProvider
	interval time.Duration
}

// NewPusher 创建上报循环
func NewPusher(topo *Topology, hub *HubClient, provider discovery.DeviceProvider, interval time.Duration) *Pusher {
	return &Pusher{topo: topo, hub: hub, provider: provider, interval: interval}
}

// Run 阻塞运行上报循环直到 ctx 取消
//
// 启动时立即推一次，让 Hub 尽快看到新节点。
func (p *Pusher) Run(ctx context.Context) {
	p.pushOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pushOnce(ctx)
		}
	}
}

func (p *Pusher) pushOnce(ctx context.Context) {
	devices, err := p.provider.ListLocalDevices(ctx)
	if err != nil {
		log.Printf("[pusher.list] node=%s error=%v", p.topo.SelfNodeID, err)
		return
	}

	if err := p.hub.PushDevices(ctx, p.topo.SelfNodeID, p.topo.SelfHost, devices); err != nil {
		log.Printf("[pusher.push] node=%s devices=%d error=%v", p.topo.SelfNodeID, len(devices), err)
		return
	}
	log.Printf("[pusher.push] node=%s devices=%d", p.topo.SelfNodeID, len(devices))
}
