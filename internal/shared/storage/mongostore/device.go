package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"device-farm/internal/shared/model"
)

// ============================================================================
// DeviceStore
// ============================================================================

// deviceFilterQuery 将 DeviceFilter 转换为 bson 查询
func deviceFilterQuery(filter *model.DeviceFilter) bson.D {
	q := bson.D{}
	if filter == nil {
		return q
	}
	if filter.UDID != nil {
		q = append(q, bson.E{Key: "udid", Value: *filter.UDID})
	}
	if filter.NodeID != nil {
		q = append(q, bson.E{Key: "node_id", Value: *filter.NodeID})
	}
	if filter.SessionID != nil {
		q = append(q, bson.E{Key: "session_id", Value: *filter.SessionID})
	}
	if filter.Busy != nil {
		q = append(q, bson.E{Key: "busy", Value: *filter.Busy})
	}
	if filter.Offline != nil {
		q = append(q, bson.E{Key: "offline", Value: *filter.Offline})
	}
	return q
}

func (s *Store) ListDevices(ctx context.Context, filter *model.DeviceFilter) ([]*model.Device, error) {
	opts := options.Find().SetSort(bson.D{{Key: "udid", Value: 1}, {Key: "node_id", Value: 1}})
	cur, err := s.col(ColDevices).Find(ctx, deviceFilterQuery(filter), opts)
	if err != nil {
		return nil, wrapError(err)
	}
	defer cur.Close(ctx)

	var devices []*model.Device
	if err := cur.All(ctx, &devices); err != nil {
		return nil, wrapError(err)
	}
	return devices, nil
}

func (s *Store) GetDevice(ctx context.Context, udid, nodeID string) (*model.Device, error) {
	filter := bson.D{{Key: "udid", Value: udid}, {Key: "node_id", Value: nodeID}}
	var d model.Device
	err := s.col(ColDevices).FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err)
	}
	return &d, nil
}

func (s *Store) UpdateDevice(ctx context.Context, udid, nodeID string, upd *model.DeviceUpdate) error {
	set := bson.D{{Key: "updated_at", Value: time.Now()}}
	unset := bson.D{}

	if upd.Busy != nil {
		set = append(set, bson.E{Key: "busy", Value: *upd.Busy})
	}
	if upd.Offline != nil {
		set = append(set, bson.E{Key: "offline", Value: *upd.Offline})
	}
	if upd.UserBlocked != nil {
		set = append(set, bson.E{Key: "user_blocked", Value: *upd.UserBlocked})
	}
	if upd.SessionID != nil {
		if *upd.SessionID == "" {
			unset = append(unset, bson.E{Key: "session_id", Value: ""})
		} else {
			set = append(set, bson.E{Key: "session_id", Value: *upd.SessionID})
		}
	}
	if upd.LastCmdExecutedAt != nil {
		set = append(set, bson.E{Key: "last_cmd_executed_at", Value: *upd.LastCmdExecutedAt})
	}
	if upd.SessionStartTime != nil {
		set = append(set, bson.E{Key: "session_start_time", Value: *upd.SessionStartTime})
	}

	update := bson.D{{Key: "$set", Value: set}}
	if len(unset) > 0 {
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}

	filter := bson.D{{Key: "udid", Value: udid}, {Key: "node_id", Value: nodeID}}
	res, err := s.col(ColDevices).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return wrapError(mongo.ErrNoDocuments)
	}
	return nil
}

// ReserveDevice 条件预留：单条 UpdateOne 的 filter 即锁内复查
func (s *Store) ReserveDevice(ctx context.Context, udid, nodeID, placeholderSessionID string) (bool, error) {
	filter := bson.D{
		{Key: "udid", Value: udid},
		{Key: "node_id", Value: nodeID},
		{Key: "busy", Value: false},
		{Key: "offline", Value: false},
		{Key: "user_blocked", Value: false},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "busy", Value: true},
		{Key: "session_id", Value: placeholderSessionID},
		{Key: "updated_at", Value: time.Now()},
	}}}

	res, err := s.col(ColDevices).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, wrapError(err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) UnblockDevices(ctx context.Context, filter *model.DeviceFilter) (int, error) {
	q := deviceFilterQuery(filter)
	q = append(q, bson.E{Key: "$or", Value: bson.A{
		bson.D{{Key: "busy", Value: true}},
		bson.D{{Key: "session_id", Value: bson.D{{Key: "$exists", Value: true}}}},
	}})

	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "busy", Value: false},
			{Key: "updated_at", Value: time.Now()},
		}},
		{Key: "$unset", Value: bson.D{{Key: "session_id", Value: ""}}},
	}

	res, err := s.col(ColDevices).UpdateMany(ctx, q, update)
	if err != nil {
		return 0, wrapError(err)
	}
	return int(res.ModifiedCount), nil
}

func (s *Store) ReplaceNodeDevices(ctx context.Context, nodeID string, devices []*model.Device) error {
	now := time.Now()
	seen := bson.A{}

	for _, d := range devices {
		seen = append(seen, d.UDID)

		filter := bson.D{{Key: "udid", Value: d.UDID}, {Key: "node_id", Value: nodeID}}
		// 静态字段刷新；busy/session/user_blocked 属于分配状态，保持不变
		update := bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "host", Value: d.Host},
				{Key: "platform", Value: d.Platform},
				{Key: "sdk", Value: d.SDK},
				{Key: "device_type", Value: d.DeviceType},
				{Key: "name", Value: d.Name},
				{Key: "system_port", Value: d.SystemPort},
				{Key: "cloud", Value: d.Cloud},
				{Key: "offline", Value: false},
				{Key: "updated_at", Value: now},
			}},
			{Key: "$setOnInsert", Value: bson.D{
				{Key: "busy", Value: false},
				{Key: "user_blocked", Value: false},
				{Key: "last_cmd_executed_at", Value: int64(0)},
				{Key: "session_start_time", Value: int64(0)},
				{Key: "created_at", Value: now},
			}},
		}
		opts := options.UpdateOne().SetUpsert(true)
		if _, err := s.col(ColDevices).UpdateOne(ctx, filter, update, opts); err != nil {
			return wrapError(err)
		}
	}

	// 本次未上报的设备标记 offline
	missing := bson.D{
		{Key: "node_id", Value: nodeID},
		{Key: "udid", Value: bson.D{{Key: "$nin", Value: seen}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "offline", Value: true},
		{Key: "updated_at", Value: now},
	}}}
	_, err := s.col(ColDevices).UpdateMany(ctx, missing, update)
	return wrapError(err)
}

func (s *Store) MarkNodeDevicesOffline(ctx context.Context, nodeID string) (int, error) {
	filter := bson.D{{Key: "node_id", Value: nodeID}, {Key: "offline", Value: false}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "offline", Value: true},
		{Key: "updated_at", Value: time.Now()},
	}}}

	res, err := s.col(ColDevices).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, wrapError(err)
	}
	return int(res.ModifiedCount), nil
}
