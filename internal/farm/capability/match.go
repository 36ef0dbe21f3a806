package capability

import (
	"sort"

	"device-farm/internal/shared/model"
)

// Match 在设备快照中过滤出满足能力集的候选设备
//
// 过滤规则：
//   - offline、userBlocked、busy 的设备一律排除
//   - 能力集中已指定的字段按精确相等比较，未指定的字段不构成约束
//
// 返回结果按 lastCmdExecutedAt 升序排列（最久未用优先，摊平设备磨损），
// 时间相同时按 udid 排序保证稳定。
func Match(cs *model.CapabilitySet, snapshot []*model.Device) []*model.Device {
	var candidates []*model.Device
	for _, d := range snapshot {
		if !d.IsFree() {
			continue
		}
		if !matches(cs, d) {
			continue
		}
		candidates = append(candidates, d)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].LastCmdExecutedAt != candidates[j].LastCmdExecutedAt {
			return candidates[i].LastCmdExecutedAt < candidates[j].LastCmdExecutedAt
		}
		return candidates[i].UDID < candidates[j].UDID
	})
	return candidates
}

func matches(cs *model.CapabilitySet, d *model.Device) bool {
	if cs == nil {
		return true
	}
	if cs.Platform != "" && d.Platform != cs.Platform {
		return false
	}
	if cs.UDID != "" && d.UDID != cs.UDID {
		return false
	}
	if cs.PlatformVersion != "" && d.SDK != cs.PlatformVersion {
		return false
	}
	if cs.DeviceType != "" && d.DeviceType != cs.DeviceType {
		return false
	}
	if cs.Cloud != "" && d.Cloud != cs.Cloud {
		return false
	}
	return true
}
