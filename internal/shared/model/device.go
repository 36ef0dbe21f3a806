// Package model 定义设备农场的核心数据模型
//
// device.go 包含受管设备相关的数据模型定义：
//   - Device：一台受管的真机/模拟器
//   - DeviceFilter：按字段过滤设备的条件
//   - DeviceUpdate：单设备的部分字段原子更新
package model

import (
	"time"
)

// ============================================================================
// Platform / DeviceType - 平台与设备类型
// ============================================================================

// Platform 设备平台
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformTVOS    Platform = "tvos"
)

// DeviceType 设备形态
type DeviceType string

const (
	// DeviceTypeReal 真机
	DeviceTypeReal DeviceType = "real"

	// DeviceTypeSimulated iOS 模拟器
	DeviceTypeSimulated DeviceType = "simulated"

	// DeviceTypeEmulator Android 模拟器
	DeviceTypeEmulator DeviceType = "emulator"
)

// ============================================================================
// Device - 受管设备
// ============================================================================

// Device 表示一台受管的测试设备
//
// 设备生命周期：
//   - 由设备列表同步整体创建/刷新（本地节点扫描自身硬件，Hub 接收各节点上报）
//   - 由分配器逐字段修改（预留）、由会话删除/解封路径释放
//   - 永不删除，节点停止上报后仅标记 offline
//
// 不变式：
//   - busy=true 的设备必有非空 session_id
//   - offline=true 的设备不会被匹配器返回
//   - user_blocked=true 的设备不参与分配，但仍计入节点设备列表同步
//   - (udid, node_id) 在整个拓扑内唯一标识一台设备
type Device struct {
	UDID              string     `json:"udid" bson:"udid"`
	NodeID            string     `json:"node_id" bson:"node_id"`
	Host              string     `json:"host" bson:"host"`
	Platform          Platform   `json:"platform" bson:"platform"`
	SDK               string     `json:"sdk,omitempty" bson:"sdk,omitempty"`
	DeviceType        DeviceType `json:"device_type,omitempty" bson:"device_type,omitempty"`
	Name              string     `json:"name,omitempty" bson:"name,omitempty"`
	SystemPort        int        `json:"system_port,omitempty" bson:"system_port,omitempty"`
	Busy              bool       `json:"busy" bson:"busy"`
	Offline           bool       `json:"offline" bson:"offline"`
	UserBlocked       bool       `json:"user_blocked" bson:"user_blocked"`
	SessionID         *string    `json:"session_id,omitempty" bson:"session_id,omitempty"`
	LastCmdExecutedAt int64      `json:"last_cmd_executed_at" bson:"last_cmd_executed_at"` // epoch 毫秒
	SessionStartTime  int64      `json:"session_start_time" bson:"session_start_time"`     // epoch 毫秒
	Cloud             string     `json:"cloud,omitempty" bson:"cloud,omitempty"`
	CreatedAt         time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" bson:"updated_at"`
}

// Key 返回设备在拓扑内的唯一键
func (d *Device) Key() string {
	return d.UDID + "@" + d.NodeID
}

// IsFree 设备是否可参与分配
func (d *Device) IsFree() bool {
	return !d.Busy && !d.Offline && !d.UserBlocked
}

// BusyDuration 设备处于占用状态的时长
//
// 以 last_cmd_executed_at 为基准：会话每执行一条命令都会刷新该时间戳，
// 超过 new-command-timeout 未刷新即视为会话已死。预留后未完成绑定的
// 设备没有命令时间戳，依次退回会话开始时间、记录更新时间，保证
// 卡死的预留同样会被巡检回收。
func (d *Device) BusyDuration(now time.Time) time.Duration {
	if !d.Busy {
		return 0
	}
	since := d.LastCmdExecutedAt
	if since == 0 {
		since = d.SessionStartTime
	}
	if since == 0 {
		return now.Sub(d.UpdatedAt)
	}
	return now.Sub(time.UnixMilli(since))
}

// ============================================================================
// DeviceFilter - 设备过滤条件
// ============================================================================

// DeviceFilter 按字段过滤设备，nil 字段不参与过滤
//
// 会话删除和异常关闭路径用 session_id 过滤（首选）或 udid 过滤
// （session_id 未知时的兜底，如会话绑定完成前崩溃）。
type DeviceFilter struct {
	UDID      *string
	NodeID    *string
	SessionID *string
	Busy      *bool
	Offline   *bool
}

// Matches 判断设备是否满足过滤条件
func (f *DeviceFilter) Matches(d *Device) bool {
	if f == nil {
		return true
	}
	if f.UDID != nil && d.UDID != *f.UDID {
		return false
	}
	if f.NodeID != nil && d.NodeID != *f.NodeID {
		return false
	}
	if f.SessionID != nil {
		if d.SessionID == nil || *d.SessionID != *f.SessionID {
			return false
		}
	}
	if f.Busy != nil && d.Busy != *f.Busy {
		return false
	}
	if f.Offline != nil && d.Offline != *f.Offline {
		return false
	}
	return true
}

// ============================================================================
// DeviceUpdate - 部分字段更新
// ============================================================================

// DeviceUpdate 单设备的部分字段更新，nil 字段保持原值
//
// SessionID 指向空字符串时表示清除 session_id（置 NULL）。
// 存储层必须保证单条记录更新的原子性。
type DeviceUpdate struct {
	Busy              *bool
	Offline           *bool
	UserBlocked       *bool
	SessionID         *string
	LastCmdExecutedAt *int64
	SessionStartTime  *int64
}

// Apply 将更新应用到设备副本（供内存实现和测试使用）
func (u *DeviceUpdate) Apply(d *Device, now time.Time) {
	if u.Busy != nil {
		d.Busy = *u.Busy
	}
	if u.Offline != nil {
		d.Offline = *u.Offline
	}
	if u.UserBlocked != nil {
		d.UserBlocked = *u.UserBlocked
	}
	if u.SessionID != nil {
		if *u.SessionID == "" {
			d.SessionID = nil
		} else {
			v := *u.SessionID
			d.SessionID = &v
		}
	}
	if u.LastCmdExecutedAt != nil {
		d.LastCmdExecutedAt = *u.LastCmdExecutedAt
	}
	if u.SessionStartTime != nil {
		d.SessionStartTime = *u.SessionStartTime
	}
	d.UpdatedAt = now
}

// ============================================================================
// 辅助构造
// ============================================================================

// Bool 返回布尔指针（过滤/更新条件的简写）
func Bool(b bool) *bool { return &b }

// Str 返回字符串指针
func Str(s string) *string { return &s }

// I64 返回 int64 指针
func I64(n int64) *int64 { return &n }
