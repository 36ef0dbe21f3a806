// Package memstore 实现基于内存的 storage.Store
//
// 用于测试和无持久化要求的单节点部署。所有操作在互斥锁内完成，
// 满足接口要求的单记录原子性。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage"
)

// Store 内存存储
type Store struct {
	mu      sync.Mutex
	devices map[string]*model.Device // key: udid@node_id
	nodes   map[string]*model.Node

	// failNext 连续注入 n 次 ErrUnavailable（仅测试使用）
	failNext int
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		devices: make(map[string]*model.Device),
		nodes:   make(map[string]*model.Node),
	}
}

// Close 关闭存储
func (s *Store) Close() error {
	return nil
}

// FailNext 令后续 n 次操作返回 ErrUnavailable（测试存储层抖动）
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *Store) checkAvailable() error {
	if s.failNext > 0 {
		s.failNext--
		return storage.ErrUnavailable
	}
	return nil
}

// SeedDevice 直接写入一台设备（测试辅助）
func (s *Store) SeedDevice(d *model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.devices[cp.Key()] = &cp
}

// ============================================================================
// DeviceStore
// ============================================================================

// ListDevices 按过滤条件列出设备
func (s *Store) ListDevices(ctx context.Context, filter *model.DeviceFilter) ([]*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	var out []*model.Device
	for _, d := range s.devices {
		if filter.Matches(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	// 遍历 map 无序，按键排序保证结果稳定
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// GetDevice 获取单台设备
func (s *Store) GetDevice(ctx context.Context, udid, nodeID string) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	d, ok := s.devices[udid+"@"+nodeID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

// UpdateDevice 部分字段原子更新
func (s *Store) UpdateDevice(ctx context.Context, udid, nodeID string, upd *model.DeviceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return err
	}

	d, ok := s.devices[udid+"@"+nodeID]
	if !ok {
		return storage.ErrNotFound
	}
	upd.Apply(d, time.Now())
	return nil
}

// ReserveDevice 条件预留
func (s *Store) ReserveDevice(ctx context.Context, udid, nodeID, placeholderSessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return false, err
	}

	d, ok := s.devices[udid+"@"+nodeID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if !d.IsFree() {
		return false, nil
	}
	d.Busy = true
	d.SessionID = &placeholderSessionID
	d.UpdatedAt = time.Now()
	return true, nil
}

// UnblockDevices 幂等释放匹配的设备
func (s *Store) UnblockDevices(ctx context.Context, filter *model.DeviceFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return 0, err
	}

	released := 0
	for _, d := range s.devices {
		if !filter.Matches(d) {
			continue
		}
		if !d.Busy && d.SessionID == nil {
			continue
		}
		d.Busy = false
		d.SessionID = nil
		d.UpdatedAt = time.Now()
		released++
	}
	return released, nil
}

// ReplaceNodeDevices 整体刷新一个节点的设备列表
func (s *Store) ReplaceNodeDevices(ctx context.Context, nodeID string, devices []*model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return err
	}

	now := time.Now()
	reported := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		key := d.UDID + "@" + nodeID
		reported[key] = struct{}{}

		existing, ok := s.devices[key]
		if !ok {
			cp := *d
			cp.NodeID = nodeID
			cp.Offline = false
			cp.CreatedAt = now
			cp.UpdatedAt = now
			s.devices[key] = &cp
			continue
		}
		// 静态字段刷新，busy/session/user_blocked 保持
		existing.Host = d.Host
		existing.Platform = d.Platform
		existing.SDK = d.SDK
		existing.DeviceType = d.DeviceType
		existing.Name = d.Name
		existing.SystemPort = d.SystemPort
		existing.Cloud = d.Cloud
		existing.Offline = false
		existing.UpdatedAt = now
	}

	for key, d := range s.devices {
		if d.NodeID != nodeID {
			continue
		}
		if _, ok := reported[key]; !ok {
			d.Offline = true
			d.UpdatedAt = now
		}
	}
	return nil
}

// MarkNodeDevicesOffline 标记一个节点的全部设备离线
func (s *Store) MarkNodeDevicesOffline(ctx context.Context, nodeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return 0, err
	}

	marked := 0
	for _, d := range s.devices {
		if d.NodeID == nodeID && !d.Offline {
			d.Offline = true
			d.UpdatedAt = time.Now()
			marked++
		}
	}
	return marked, nil
}

// ============================================================================
// NodeStore
// ============================================================================

// UpsertNode 更新或插入节点
func (s *Store) UpsertNode(ctx context.Context, node *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return err
	}

	cp := *node
	if existing, ok := s.nodes[node.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.nodes[cp.ID] = &cp
	return nil
}

// GetNode 获取节点
func (s *Store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	n, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

// ListNodes 列出所有节点
func (s *Store) ListNodes(ctx context.Context) ([]*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	var out []*model.Node
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListStaleNodes 列出在线但超过阈值未上报的节点
func (s *Store) ListStaleNodes(ctx context.Context, threshold time.Duration) ([]*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	now := time.Now()
	var out []*model.Node
	for _, n := range s.nodes {
		if n.Status == model.NodeStatusOnline && n.IsStale(now, threshold) {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetNodeStatus 更新节点状态
func (s *Store) SetNodeStatus(ctx context.Context, id string, status model.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return err
	}

	n, ok := s.nodes[id]
	if !ok {
		return storage.ErrNotFound
	}
	n.Status = status
	n.UpdatedAt = time.Now()
	return nil
}
