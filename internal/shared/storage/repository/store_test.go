package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage"
	"device-farm/internal/shared/storage/driver/sqlite"
)

// newTestStore 基于内存 SQLite 的存储层实例
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlite.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))

	s := NewStore(db, dialect)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedNode(t *testing.T, s *Store, nodeID string, udids ...string) {
	t.Helper()
	devices := make([]*model.Device, 0, len(udids))
	for _, udid := range udids {
		devices = append(devices, &model.Device{
			UDID:     udid,
			Host:     "http://10.0.0.5:4723",
			Platform: model.PlatformAndroid,
			SDK:      "14",
		})
	}
	require.NoError(t, s.ReplaceNodeDevices(context.Background(), nodeID, devices))
}

func TestGetDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedNode(t, s, "node-a", "emulator-5554")

	d, err := s.GetDevice(ctx, "emulator-5554", "node-a")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, model.PlatformAndroid, d.Platform)
	assert.Equal(t, "14", d.SDK)
	assert.True(t, d.IsFree())

	// 未知设备返回 (nil, nil)
	d, err = s.GetDevice(ctx, "emulator-5554", "node-b")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestListDevicesFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedNode(t, s, "node-a", "emulator-5554", "emulator-5556")
	seedNode(t, s, "node-b", "emulator-5554")

	all, err := s.ListDevices(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byNode, err := s.ListDevices(ctx, &model.DeviceFilter{NodeID: model.Str("node-a")})
	require.NoError(t, err)
	assert.Len(t, byNode, 2)

	busy := true
	byBusy, err := s.ListDevices(ctx, &model.DeviceFilter{Busy: &busy})
	require.NoError(t, err)
	assert.Empty(t, byBusy)
}

func TestUpdateDevicePartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedNode(t, s, "node-a", "emulator-5554")

	busy := true
	err := s.UpdateDevice(ctx, "emulator-5554", "node-a", &model.DeviceUpdate{
		Busy:              &busy,
		SessionID:         model.Str("sess-1"),
		LastCmdExecutedAt: int64Ptr(1700000000000),
	})
	require.NoError(t, err)

	d, err := s.GetDevice(ctx, "emulator-5554", "node-a")
	require.NoError(t, err)
	assert.True(t, d.Busy)
	require.NotNil(t, d.SessionID)
	assert.Equal(t, "sess-1", *d.SessionID)
	assert.EqualValues(t, 1700000000000, d.LastCmdExecutedAt)
	// 未更新的字段保持原值
	assert.Equal(t, "http://10.0.0.5:4723", d.Host)

	// 空 session_id 表示置 NULL
	err = s.UpdateDevice(ctx, "emulator-5554", "node-a", &model.DeviceUpdate{SessionID: model.Str("")})
	require.NoError(t, err)
	d, _ = s.GetDevice(ctx, "emulator-5554", "node-a")
	assert.Nil(t, d.SessionID)

	// 不存在的设备
	err = s.UpdateDevice(ctx, "ghost", "node-a", &model.DeviceUpdate{Busy: &busy})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReserveDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedNode(t, s, "node-a", "emulator-5554")

	ok, err := s.ReserveDevice(ctx, "emulator-5554", "node-a", "pending-abc")
	require.NoError(t, err)
	assert.True(t, ok)

	d, _ := s.GetDevice(ctx, "emulator-5554", "node-a")
	assert.True(t, d.Busy)
	require.NotNil(t, d.SessionID)
	assert.Equal(t, "pending-abc", *d.SessionID)

	// 已占用的设备不可重复预留
	ok, err = s.ReserveDevice(ctx, "emulator-5554", "node-a", "pending-def")
	require.NoError(t, err)
	assert.False(t, ok)
	d, _ = s.GetDevice(ctx, "emulator-5554", "node-a")
	assert.Equal(t, "pending-abc", *d.SessionID)
}

func TestReserveDeviceSkipsBlockedAndOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedNode(t, s, "node-a", "emulator-5554", "emulator-5556")

	blocked := true
	require.NoError(t, s.UpdateDevice(ctx, "emulator-5554", "node-a",
		&model.DeviceUpdate{UserBlocked: &blocked}))
	// 设备未上报后标记 offline
	require.NoError(t, s.ReplaceNodeDevices(ctx, "node-a", []*model.Device{
		{UDID: "emulator-5554", Host: "http://10.0.0.5:4723", Platform: model.PlatformAndroid},
	}))

	ok, err := s.ReserveDevice(ctx, "emulator-5554", "node-a", "pending-x")
	require.NoError(t, err)
	assert.False(t, ok, "人工封禁的设备不可预留")

	ok, err = s.ReserveDevice(ctx, "emulator-5556", "node-a", "pending-x")
	require.NoError(t, err)
	assert.False(t, ok, "offline 的设备不可预留")
}

func TestUnblockDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedNode(t, s, "node-a", "emulator-5554", "emulator-5556")

	ok, err := s.ReserveDevice(ctx, "emulator-5554", "node-a", "sess-1")
	require.NoError(t, err)
	require.True(t, ok)

	released, err := s.UnblockDevices(ctx, &model.DeviceFilter{SessionID: model.Str("sess-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	d, _ := s.GetDevice(ctx, "emulator-5554", "node-a")
	assert.False(t, d.Busy)
	assert.Nil(t, d.SessionID)

	// 幂等：再次解封影响 0 行
	released, err = s.UnblockDevices(ctx, &model.DeviceFilter{SessionID: model.Str("sess-1")})
	require.NoError(t, err)
	assert.Zero(t, released)

	// nil 过滤 = 全量恢复
	_, err = s.ReserveDevice(ctx, "emulator-5554", "node-a", "sess-2")
	require.NoError(t, err)
	_, err = s.ReserveDevice(ctx, "emulator-5556", "node-a", "sess-3")
	require.NoError(t, err)
	released, err = s.UnblockDevices(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, released)
}

func TestReplaceNodeDevicesPreservesAllocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedNode(t, s, "node-a", "emulator-5554", "emulator-5556")

	ok, err := s.ReserveDevice(ctx, "emulator-5554", "node-a", "sess-1")
	require.NoError(t, err)
	require.True(t, ok)

	// 上报只带一台设备：占用状态保留，另一台标记 offline
	require.NoError(t, s.ReplaceNodeDevices(ctx, "node-a", []*model.Device{
		{UDID: "emulator-5554", Host: "http://10.0.0.99:4723", Platform: model.PlatformAndroid, SDK: "15"},
	}))

	d, _ := s.GetDevice(ctx, "emulator-5554", "node-a")
	assert.True(t, d.Busy, "上报不得覆盖占用状态")
	require.NotNil(t, d.SessionID)
	assert.Equal(t, "sess-1", *d.SessionID)
	assert.Equal(t, "http://10.0.0.99:4723", d.Host, "静态字段以上报为准")
	assert.Equal(t, "15", d.SDK)

	gone, _ := s.GetDevice(ctx, "emulator-5556", "node-a")
	assert.True(t, gone.Offline, "未上报的设备应标记 offline")

	// 重新上报后 offline 清除
	require.NoError(t, s.ReplaceNodeDevices(ctx, "node-a", []*model.Device{
		{UDID: "emulator-5554", Host: "http://10.0.0.99:4723", Platform: model.PlatformAndroid},
		{UDID: "emulator-5556", Host: "http://10.0.0.99:4723", Platform: model.PlatformAndroid},
	}))
	back, _ := s.GetDevice(ctx, "emulator-5556", "node-a")
	assert.False(t, back.Offline)
}

func TestNodeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertNode(ctx, &model.Node{
		ID: "node-a", Host: "http://10.0.0.5:4723", Status: model.NodeStatusOnline,
		DeviceCount: 2, LastReportedAt: now, CreatedAt: now, UpdatedAt: now,
	}))

	n, err := s.GetNode(ctx, "node-a")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, model.NodeStatusOnline, n.Status)
	assert.Equal(t, 2, n.DeviceCount)

	// upsert 更新已有节点
	require.NoError(t, s.UpsertNode(ctx, &model.Node{
		ID: "node-a", Host: "http://10.0.0.5:4723", Status: model.NodeStatusOnline,
		DeviceCount: 3, LastReportedAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	n, _ = s.GetNode(ctx, "node-a")
	assert.Equal(t, 3, n.DeviceCount)

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	// 未知节点返回 (nil, nil)
	n, err = s.GetNode(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestListStaleNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertNode(ctx, &model.Node{
		ID: "node-live", Status: model.NodeStatusOnline,
		LastReportedAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.UpsertNode(ctx, &model.Node{
		ID: "node-dead", Status: model.NodeStatusOnline,
		LastReportedAt: now.Add(-5 * time.Minute), CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.UpsertNode(ctx, &model.Node{
		ID: "node-down", Status: model.NodeStatusOffline,
		LastReportedAt: now.Add(-time.Hour), CreatedAt: now, UpdatedAt: now,
	}))

	stale, err := s.ListStaleNodes(ctx, 90*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1, "已 offline 的节点不应重复出现")
	assert.Equal(t, "node-dead", stale[0].ID)

	require.NoError(t, s.SetNodeStatus(ctx, "node-dead", model.NodeStatusOffline))
	n, _ := s.GetNode(ctx, "node-dead")
	assert.Equal(t, model.NodeStatusOffline, n.Status)

	assert.ErrorIs(t, s.SetNodeStatus(ctx, "ghost", model.NodeStatusOffline), storage.ErrNotFound)
}

func int64Ptr(v int64) *int64 { return &v }
