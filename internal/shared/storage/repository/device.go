// Package repository Device 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage"
)

// deviceColumns SELECT 列清单，与 scanDevice 保持一致
const deviceColumns = `udid, node_id, COALESCE(host, ''), COALESCE(platform, ''),
	COALESCE(sdk, ''), COALESCE(device_type, ''), COALESCE(name, ''), system_port,
	busy, offline, user_blocked, session_id,
	last_cmd_executed_at, session_start_time, COALESCE(cloud, ''),
	created_at, updated_at`

// ListDevices 按过滤条件列出设备
func (s *Store) ListDevices(ctx context.Context, filter *model.DeviceFilter) ([]*model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`

	var conditions []string
	var args []interface{}
	n := 1
	if filter != nil {
		if filter.UDID != nil {
			conditions = append(conditions, fmt.Sprintf("udid = $%d", n))
			args = append(args, *filter.UDID)
			n++
		}
		if filter.NodeID != nil {
			conditions = append(conditions, fmt.Sprintf("node_id = $%d", n))
			args = append(args, *filter.NodeID)
			n++
		}
		if filter.SessionID != nil {
			conditions = append(conditions, fmt.Sprintf("session_id = $%d", n))
			args = append(args, *filter.SessionID)
			n++
		}
		if filter.Busy != nil {
			conditions = append(conditions, "busy = "+s.dialect.BooleanLiteral(*filter.Busy))
		}
		if filter.Offline != nil {
			conditions = append(conditions, "offline = "+s.dialect.BooleanLiteral(*filter.Offline))
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY udid, node_id"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// GetDevice 获取单台设备
func (s *Store) GetDevice(ctx context.Context, udid, nodeID string) (*model.Device, error) {
	query := s.rebind(`SELECT ` + deviceColumns + ` FROM devices WHERE udid = $1 AND node_id = $2`)
	row := s.db.QueryRowContext(ctx, query, udid, nodeID)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// UpdateDevice 部分字段原子更新
//
// 单条 UPDATE 语句内完成，原子性由数据库保证。
func (s *Store) UpdateDevice(ctx context.Context, udid, nodeID string, upd *model.DeviceUpdate) error {
	var sets []string
	var args []interface{}
	n := 1

	if upd.Busy != nil {
		sets = append(sets, "busy = "+s.dialect.BooleanLiteral(*upd.Busy))
	}
	if upd.Offline != nil {
		sets = append(sets, "offline = "+s.dialect.BooleanLiteral(*upd.Offline))
	}
	if upd.UserBlocked != nil {
		sets = append(sets, "user_blocked = "+s.dialect.BooleanLiteral(*upd.UserBlocked))
	}
	if upd.SessionID != nil {
		if *upd.SessionID == "" {
			sets = append(sets, "session_id = NULL")
		} else {
			sets = append(sets, fmt.Sprintf("session_id = $%d", n))
			args = append(args, *upd.SessionID)
			n++
		}
	}
	if upd.LastCmdExecutedAt != nil {
		sets = append(sets, fmt.Sprintf("last_cmd_executed_at = $%d", n))
		args = append(args, *upd.LastCmdExecutedAt)
		n++
	}
	if upd.SessionStartTime != nil {
		sets = append(sets, fmt.Sprintf("session_start_time = $%d", n))
		args = append(args, *upd.SessionStartTime)
		n++
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = "+s.now())

	query := fmt.Sprintf("UPDATE devices SET %s WHERE udid = $%d AND node_id = $%d",
		strings.Join(sets, ", "), n, n+1)
	args = append(args, udid, nodeID)

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ReserveDevice 条件预留：仅当设备仍空闲时生效
//
// WHERE 子句即锁内复查：busy/offline/user_blocked 任一命中都会使
// 本次 UPDATE 影响 0 行，调用方据此重试。
func (s *Store) ReserveDevice(ctx context.Context, udid, nodeID, placeholderSessionID string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE devices SET busy = %s, session_id = $1, updated_at = %s
		WHERE udid = $2 AND node_id = $3
		  AND busy = %s AND offline = %s AND user_blocked = %s`,
		s.dialect.BooleanLiteral(true), s.now(),
		s.dialect.BooleanLiteral(false), s.dialect.BooleanLiteral(false), s.dialect.BooleanLiteral(false))

	res, err := s.db.ExecContext(ctx, s.rebind(query), placeholderSessionID, udid, nodeID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UnblockDevices 幂等释放匹配过滤条件的设备
func (s *Store) UnblockDevices(ctx context.Context, filter *model.DeviceFilter) (int, error) {
	query := fmt.Sprintf(
		"UPDATE devices SET busy = %s, session_id = NULL, updated_at = %s WHERE (busy = %s OR session_id IS NOT NULL)",
		s.dialect.BooleanLiteral(false), s.now(), s.dialect.BooleanLiteral(true))

	var args []interface{}
	n := 1
	if filter != nil {
		if filter.UDID != nil {
			query += fmt.Sprintf(" AND udid = $%d", n)
			args = append(args, *filter.UDID)
			n++
		}
		if filter.NodeID != nil {
			query += fmt.Sprintf(" AND node_id = $%d", n)
			args = append(args, *filter.NodeID)
			n++
		}
		if filter.SessionID != nil {
			query += fmt.Sprintf(" AND session_id = $%d", n)
			args = append(args, *filter.SessionID)
			n++
		}
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ReplaceNodeDevices 整体刷新一个节点的设备列表
//
// 上报的设备 upsert 静态字段并清除 offline；busy/session/user_blocked
// 属于 Hub 侧分配状态，上报不得覆盖。列表外的设备标记 offline，从不删除。
func (s *Store) ReplaceNodeDevices(ctx context.Context, nodeID string, devices []*model.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	conflict := s.dialect.UpsertConflict("udid, node_id", []string{
		"host = EXCLUDED.host",
		"platform = EXCLUDED.platform",
		"sdk = EXCLUDED.sdk",
		"device_type = EXCLUDED.device_type",
		"name = EXCLUDED.name",
		"system_port = EXCLUDED.system_port",
		"cloud = EXCLUDED.cloud",
		"offline = " + s.dialect.BooleanLiteral(false),
		"updated_at = EXCLUDED.updated_at",
	})
	upsert := s.rebind(fmt.Sprintf(`
		INSERT INTO devices (udid, node_id, host, platform, sdk, device_type, name,
			system_port, busy, offline, user_blocked, last_cmd_executed_at,
			session_start_time, cloud, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, %s, %s, %s, 0, 0, $9, $10, $11)
		%s
	`, s.dialect.BooleanLiteral(false), s.dialect.BooleanLiteral(false),
		s.dialect.BooleanLiteral(false), conflict))

	seen := make([]string, 0, len(devices))
	for _, d := range devices {
		if _, err := tx.ExecContext(ctx, upsert,
			d.UDID, nodeID, d.Host, string(d.Platform), d.SDK, string(d.DeviceType),
			d.Name, d.SystemPort, d.Cloud, now, now); err != nil {
			return err
		}
		seen = append(seen, d.UDID)
	}

	// 本次未上报的设备标记 offline
	markQuery := fmt.Sprintf("UPDATE devices SET offline = %s, updated_at = $1 WHERE node_id = $2",
		s.dialect.BooleanLiteral(true))
	markArgs := []interface{}{now, nodeID}
	if len(seen) > 0 {
		placeholders := make([]string, len(seen))
		for i, udid := range seen {
			placeholders[i] = fmt.Sprintf("$%d", i+3)
			markArgs = append(markArgs, udid)
		}
		markQuery += fmt.Sprintf(" AND udid NOT IN (%s)", strings.Join(placeholders, ", "))
	}
	if _, err := tx.ExecContext(ctx, s.rebind(markQuery), markArgs...); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkNodeDevicesOffline 将一个节点的全部设备标记 offline
func (s *Store) MarkNodeDevicesOffline(ctx context.Context, nodeID string) (int, error) {
	query := fmt.Sprintf(
		"UPDATE devices SET offline = %s, updated_at = %s WHERE node_id = $1 AND offline = %s",
		s.dialect.BooleanLiteral(true), s.now(), s.dialect.BooleanLiteral(false))

	res, err := s.db.ExecContext(ctx, s.rebind(query), nodeID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ============================================================================
// 扫描辅助
// ============================================================================

// rowScanner *sql.Row 与 *sql.Rows 的公共 Scan 接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	d := &model.Device{}
	var sessionID sql.NullString
	var platform, deviceType string
	if err := row.Scan(&d.UDID, &d.NodeID, &d.Host, &platform,
		&d.SDK, &deviceType, &d.Name, &d.SystemPort,
		&d.Busy, &d.Offline, &d.UserBlocked, &sessionID,
		&d.LastCmdExecutedAt, &d.SessionStartTime, &d.Cloud,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Platform = model.Platform(platform)
	d.DeviceType = model.DeviceType(deviceType)
	if sessionID.Valid {
		d.SessionID = &sessionID.String
	}
	return d, nil
}

func scanDevices(rows *sql.Rows) ([]*model.Device, error) {
	var devices []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
