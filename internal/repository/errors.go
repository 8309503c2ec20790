package repository

import (
	"errors"
	"fmt"
)

var (
	ErrTenantRequired = errors.New("tenant_id is required")
	ErrDeviceRequired = errors.New("device is required")
)

// 最近记录查询的默认与最大条数
const (
	DefaultRecentLimit = 500
	MaxRecentLimit     = 5000
)

// StoreError 存储 I/O 失败
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}
