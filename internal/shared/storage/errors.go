// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore/memstore）负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突（条件更新未命中，如预留时设备已被占用）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrUnavailable 存储层暂时不可达
	// 分配轮询和清理循环捕获该错误后在下一轮重试，绝不致命
	ErrUnavailable = errors.New("store temporarily unavailable")
)
