// Package repository Node 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage"
)

const nodeColumns = `id, COALESCE(host, ''), port, status, device_count, last_reported_at, created_at, updated_at`

// UpsertNode 更新或插入节点
func (s *Store) UpsertNode(ctx context.Context, node *model.Node) error {
	conflict := s.dialect.UpsertConflict("id", []string{
		"host = EXCLUDED.host",
		"port = EXCLUDED.port",
		"status = EXCLUDED.status",
		"device_count = EXCLUDED.device_count",
		"last_reported_at = EXCLUDED.last_reported_at",
		"updated_at = " + s.now(),
	})
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO nodes (id, host, port, status, device_count, last_reported_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		%s
	`, conflict))
	_, err := s.db.ExecContext(ctx, query,
		node.ID, node.Host, node.Port, string(node.Status), node.DeviceCount,
		node.LastReportedAt, node.CreatedAt, node.UpdatedAt)
	return err
}

// GetNode 获取节点
func (s *Store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	query := s.rebind(`SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`)
	n, err := scanNode(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

// ListNodes 列出所有节点
func (s *Store) ListNodes(ctx context.Context) ([]*model.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// ListStaleNodes 列出在线但超过阈值未上报的节点
func (s *Store) ListStaleNodes(ctx context.Context, threshold time.Duration) ([]*model.Node, error) {
	cutoff := time.Now().Add(-threshold)
	query := s.rebind(`SELECT ` + nodeColumns + ` FROM nodes WHERE status = 'online' AND last_reported_at < $1 ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// SetNodeStatus 更新节点状态
func (s *Store) SetNodeStatus(ctx context.Context, id string, status model.NodeStatus) error {
	query := s.rebind(fmt.Sprintf(`UPDATE nodes SET status = $1, updated_at = %s WHERE id = $2`, s.now()))
	res, err := s.db.ExecContext(ctx, query, string(status), id)
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

func scanNode(row rowScanner) (*model.Node, error) {
	n := &model.Node{}
	var status string
	var lastReported sql.NullTime
	if err := row.Scan(&n.ID, &n.Host, &n.Port, &status, &n.DeviceCount,
		&lastReported, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Status = model.NodeStatus(status)
	if lastReported.Valid {
		n.LastReportedAt = lastReported.Time
	}
	return n, nil
}

func scanNodes(rows *sql.Rows) ([]*model.Node, error) {
	var nodes []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
