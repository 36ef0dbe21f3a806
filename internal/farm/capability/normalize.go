// Package capability 能力集解析与设备匹配
//
// 会话请求携带 W3C 能力集（alwaysMatch + firstMatch），经 Normalize
// 归一化为结构化的 CapabilitySet 后交给匹配器过滤设备快照。
// 匹配是纯函数：快照进、候选列表出，不产生副作用。
package capability

import (
	"strings"

	"device-farm/internal/shared/model"
)

// 归一化后识别的保留字段（去掉 appium: 前缀之后比较）
const (
	keyPlatformName    = "platformname"
	keyUDID            = "udid"
	keyPlatformVersion = "platformversion"
	keyDeviceType      = "devicetype"
	keyCloud           = "cloud"
)

// 分配行为可被 capability 覆盖的字段
const (
	KeyAvailabilityTimeout = "deviceAvailabilityTimeout"
	KeyQueryInterval       = "deviceQueryInterval"
)

// Normalize 将 W3C 能力集归一化为结构化记录
//
// 处理规则：
//  1. 合并 alwaysMatch 和 firstMatch[0]，alwaysMatch 优先
//  2. 去掉 appium: 厂商前缀（W3C 扩展能力）
//  3. 提取保留字段，其余进入 Extra 原样透传给下游驱动
func Normalize(w3c *model.W3CCapabilities) *model.CapabilitySet {
	merged := map[string]any{}
	if w3c != nil {
		merged = w3c.Merged()
	}

	cs := &model.CapabilitySet{Extra: make(map[string]any)}
	for key, value := range merged {
		name := strings.TrimPrefix(key, "appium:")
		switch strings.ToLower(name) {
		case keyPlatformName:
			if s, ok := value.(string); ok {
				cs.Platform = model.Platform(strings.ToLower(s))
			}
		case keyUDID:
			if s, ok := value.(string); ok {
				cs.UDID = s
			}
		case keyPlatformVersion:
			if s, ok := value.(string); ok {
				cs.PlatformVersion = s
			}
		case keyDeviceType:
			if s, ok := value.(string); ok {
				cs.DeviceType = model.DeviceType(strings.ToLower(s))
			}
		case keyCloud:
			if s, ok := value.(string); ok {
				cs.Cloud = strings.ToLower(s)
			}
		default:
			cs.Extra[key] = value
		}
	}
	return cs
}

// NumberOverride 从 Extra 中取数值型覆盖项（JSON 数值解码为 float64）
func NumberOverride(cs *model.CapabilitySet, key string) (int64, bool) {
	if cs == nil || cs.Extra == nil {
		return 0, false
	}
	raw, ok := cs.Extra[key]
	if !ok {
		raw, ok = cs.Extra["appium:"+key]
	}
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}
