// Package discovery 本地设备清单来源
//
// 节点进程需要知道自己管理哪些设备。没有自动扫描硬件的部署直接在
// 配置中声明静态清单，Provider 抽象让两种来源对同步循环透明。
package discovery

import (
	"context"

	"device-farm/internal/config"
	"device-farm/internal/shared/model"
)

// DeviceProvider 本地设备清单来源
type DeviceProvider interface {
	// ListLocalDevices 返回本节点当前管理的设备，调用方拥有返回的切片
	ListLocalDevices(ctx context.Context) ([]*model.Device, error)
}

// ============================================================================
// StaticProvider - 配置驱动的静态清单
// ============================================================================

// StaticProvider 从配置文件读取固定设备清单
type StaticProvider struct {
	nodeID  string
	entries []config.StaticDeviceConfig
}

// NewStaticProvider 创建静态清单 Provider
func NewStaticProvider(nodeID string, entries []config.StaticDeviceConfig) *StaticProvider {
	return &StaticProvider{nodeID: nodeID, entries: entries}
}

// ListLocalDevices 把配置条目转换为设备记录
//
// host 即设备的驱动端点，配置加载时已校验非空，这里不做兜底。
// 分配状态字段（busy 等）一律零值：清单只描述硬件，状态由存储层维护。
func (p *StaticProvider) ListLocalDevices(ctx context.Context) ([]*model.Device, error) {
	devices := make([]*model.Device, 0, len(p.entries))
	for _, e := range p.entries {
		devices = append(devices, &model.Device{
			UDID:       e.UDID,
			NodeID:     p.nodeID,
			Host:       e.Host,
			Platform:   model.Platform(e.Platform),
			SDK:        e.SDK,
			DeviceType: model.DeviceType(e.DeviceType),
			Name:       e.Name,
			SystemPort: e.SystemPort,
		})
	}
	return devices, nil
}

// 确保 StaticProvider 实现了 DeviceProvider 接口
var _ DeviceProvider = (*StaticProvider)(nil)
