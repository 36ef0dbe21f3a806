// Package orchestrator 会话编排引擎
//
// 把分配器、转发器、路由表、事件总线串成会话生命周期状态机：
//
//	Requested → PendingAllocation → Allocated → (Local|Forwarding)
//	          → Bound → Released
//
// Bound 之前的任何失败都回滚设备预留并摘除待定登记；释放路径
// 全程幂等，重复删除同一会话是空操作。
package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"device-farm/internal/farm/allocator"
	"device-farm/internal/farm/capability"
	"device-farm/internal/farm/forwarder"
	"device-farm/internal/farm/pending"
	"device-farm/internal/farm/proxyrules"
	"device-farm/internal/farm/topology"
	"device-farm/internal/shared/eventbus"
	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage"
)

// SessionForwarder 引擎对转发器的依赖（测试可注入替身）
type SessionForwarder interface {
	CreateSession(ctx context.Context, device *model.Device, caps *model.W3CCapabilities, pendingID string) (*forwarder.SessionResult, error)
	DeleteSession(ctx context.Context, host, sessionID string) error
}

// Options 引擎配置
type Options struct {
	// AvailabilityTimeout 等待空闲设备的总时限
	AvailabilityTimeout time.Duration

	// QueryInterval 分配轮询间隔
	QueryInterval time.Duration
}

// Engine 会话编排引擎
type Engine struct {
	store   storage.DeviceStore
	pending *pending.Registry
	alloc   *allocator.Allocator
	fwd     SessionForwarder
	topo    *topology.Topology
	routes  *proxyrules.Table
	bus     eventbus.SessionEventBus
	opts    Options
	now     func() time.Time
}

// NewEngine 创建编排引擎
func NewEngine(store storage.DeviceStore, reg *pending.Registry, alloc *allocator.Allocator,
	fwd SessionForwarder, topo *topology.Topology, routes *proxyrules.Table,
	bus eventbus.SessionEventBus, opts Options) *Engine {
	if opts.AvailabilityTimeout <= 0 {
		opts.AvailabilityTimeout = 180 * time.Second
	}
	if opts.QueryInterval <= 0 {
		opts.QueryInterval = 10 * time.Second
	}
	return &Engine{
		store:   store,
		pending: reg,
		alloc:   alloc,
		fwd:     fwd,
		topo:    topo,
		routes:  routes,
		bus:     bus,
		opts:    opts,
		now:     time.Now,
	}
}

// Pending 返回待定会话登记表（观测接口使用）
func (e *Engine) Pending() *pending.Registry {
	return e.pending
}

// Routes 返回会话路由表
func (e *Engine) Routes() *proxyrules.Table {
	return e.routes
}

// CreateSession 处理一次新建会话请求
//
// 受理 → 登记 → 分配 → 转发 → 绑定 → 发布事件。分配等待时限和
// 轮询间隔可被请求能力集覆盖（毫秒）。
func (e *Engine) CreateSession(ctx context.Context, req *model.W3CNewSessionRequest) (*model.Session, error) {
	caps := capability.Normalize(&req.Capabilities)

	pendingID := e.pending.Admit(caps)
	defer e.pending.Remove(pendingID)

	timeout := e.opts.AvailabilityTimeout
	if ms, ok := capability.NumberOverride(caps, capability.KeyAvailabilityTimeout); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	interval := e.opts.QueryInterval
	if ms, ok := capability.NumberOverride(caps, capability.KeyQueryInterval); ok && ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}

	device, err := e.alloc.Allocate(ctx, caps, pendingID, timeout, interval)
	if err != nil {
		return nil, err
	}

	session, err := e.bind(ctx, device, req, pendingID)
	if err != nil {
		// Bound 之前失败：设备回到空闲，错误原样上抛
		e.rollbackReservation(device)
		return nil, err
	}
	return session, nil
}

// bind 转发会话创建并把结果写回设备记录
//
// device.Host 是设备的驱动端点，同步入库时已保证非空。绝不能
// 退回本进程地址：那会把 create-session 转发回本服务自己。
func (e *Engine) bind(ctx context.Context, device *model.Device, req *model.W3CNewSessionRequest, pendingID string) (*model.Session, error) {
	target := *device
	result, err := e.fwd.CreateSession(ctx, &target, &req.Capabilities, pendingID)
	if err != nil {
		return nil, err
	}

	nowMS := e.now().UnixMilli()
	upd := &model.DeviceUpdate{
		Busy:              model.Bool(true),
		SessionID:         model.Str(result.SessionID),
		SessionStartTime:  model.I64(nowMS),
		LastCmdExecutedAt: model.I64(nowMS),
	}
	if err := e.store.UpdateDevice(ctx, device.UDID, device.NodeID, upd); err != nil {
		// 绑定落库失败：远端已有会话，尽力删掉再回滚
		e.fwd.DeleteSession(ctx, target.Host, result.SessionID)
		return nil, err
	}

	// 会话存续期内，携带该 sessionId 的命令一律路由到设备所在主机
	e.routes.Add(result.SessionID, target.Host)

	bound, err := e.store.GetDevice(ctx, device.UDID, device.NodeID)
	if err != nil || bound == nil {
		bound = device
	}

	e.publish(&eventbus.SessionEvent{
		Type:      eventbus.EventSessionCreated,
		SessionID: result.SessionID,
		Device:    bound,
		Response:  result.Raw,
		NodeID:    e.topo.SelfNodeID,
		Timestamp: e.now(),
	})

	log.Printf("[engine.bound] session=%s udid=%s node=%s remote=%v",
		result.SessionID, device.UDID, device.NodeID, e.topo.IsRemote(device))

	return &model.Session{
		ID:           result.SessionID,
		Device:       bound,
		Response:     result.Raw,
		PluginNodeID: e.topo.SelfNodeID,
	}, nil
}

// DeleteSession 删除会话并释放设备
//
// 远端删除是尽力而为：节点失联时本地状态仍要清理，否则设备
// 永久卡在 busy。幂等：未知会话返回 0 台释放，不报错。
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	host, routed := e.routes.Lookup(sessionID)
	if !routed {
		// 本地会话：驱动端点在设备自己的 host 上，host 为空则只清本地状态
		if devices, err := e.store.ListDevices(ctx, &model.DeviceFilter{SessionID: model.Str(sessionID)}); err == nil && len(devices) > 0 {
			host = devices[0].Host
		}
	}
	if host != "" {
		if err := e.fwd.DeleteSession(ctx, host, sessionID); err != nil {
			log.Printf("[engine.delete] session=%s remote_error=%v", sessionID, err)
		}
	}
	e.routes.Remove(sessionID)

	released, err := e.store.UnblockDevices(ctx, &model.DeviceFilter{SessionID: model.Str(sessionID)})
	if err != nil {
		return 0, err
	}

	e.publish(&eventbus.SessionEvent{
		Type:      eventbus.EventSessionReleased,
		SessionID: sessionID,
		NodeID:    e.topo.SelfNodeID,
		Timestamp: e.now(),
	})

	log.Printf("[engine.released] session=%s devices=%d", sessionID, released)
	return released, nil
}

// TouchSession 刷新会话的命令活跃时间戳
//
// 每条转发的会话命令都应调用，滞留会话巡检以此判断会话存活。
func (e *Engine) TouchSession(ctx context.Context, sessionID string) {
	devices, err := e.store.ListDevices(ctx, &model.DeviceFilter{SessionID: model.Str(sessionID)})
	if err != nil || len(devices) == 0 {
		return
	}
	nowMS := e.now().UnixMilli()
	for _, d := range devices {
		upd := &model.DeviceUpdate{LastCmdExecutedAt: model.I64(nowMS)}
		if err := e.store.UpdateDevice(ctx, d.UDID, d.NodeID, upd); err != nil {
			log.Printf("[engine.touch] session=%s udid=%s error=%v", sessionID, d.UDID, err)
		}
	}
}

// ReleaseDevices 按过滤条件解封设备
//
// 配置了上游 Hub 的节点把请求转发给 Hub（权威状态在 Hub 侧），
// 其余部署直接改本地存储。
func (e *Engine) ReleaseDevices(ctx context.Context, hub *topology.HubClient, sessionID, udid string) (int, error) {
	if e.topo.HasHub() && hub != nil {
		if err := hub.ForwardUnblock(ctx, sessionID, udid); err != nil {
			return 0, err
		}
		return 0, nil
	}

	filter := &model.DeviceFilter{}
	if sessionID != "" {
		filter.SessionID = model.Str(sessionID)
	}
	if udid != "" {
		filter.UDID = model.Str(udid)
	}
	return e.store.UnblockDevices(ctx, filter)
}

// Recover 启动恢复：解封全部设备
//
// 进程上次退出时在飞的会话已全部作废，遗留的 busy/session_id
// 状态会让设备永久不可分配。
func (e *Engine) Recover(ctx context.Context) {
	released, err := e.store.UnblockDevices(ctx, nil)
	if err != nil {
		log.Printf("[engine.recover] error=%v", err)
		return
	}
	if released > 0 {
		log.Printf("[engine.recover] released=%d", released)
	}
}

// rollbackReservation 撤销一次未完成的预留
//
// 不能复用请求 ctx：客户端断开时转发以 context canceled 失败，
// 回滚若也带着同一个 ctx 就写不进库，设备永久卡在 busy。
func (e *Engine) rollbackReservation(device *model.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := e.store.UnblockDevices(ctx, &model.DeviceFilter{
		UDID:   model.Str(device.UDID),
		NodeID: model.Str(device.NodeID),
	})
	if err != nil {
		log.Printf("[engine.rollback] udid=%s error=%v", device.UDID, err)
	}
}

// publish 发布事件，失败只记日志（fire-and-forget）
func (e *Engine) publish(event *eventbus.SessionEvent) {
	if e.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.bus.PublishSessionEvent(ctx, event); err != nil {
		log.Printf("[engine.publish] type=%s session=%s error=%v", event.Type, event.SessionID, err)
	}
}

// SessionResponse 构造直接回传客户端的 W3C 响应体
func SessionResponse(s *model.Session) json.RawMessage {
	if len(s.Response) > 0 {
		return s.Response
	}
	body, _ := json.Marshal(map[string]any{
		"value": map[string]any{"sessionId": s.ID, "capabilities": map[string]any{}},
	})
	return body
}
