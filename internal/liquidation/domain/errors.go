package domain

import "errors"

var (
	// ErrAlreadyInProgress 同一账户+品种范围已有在途强平
	ErrAlreadyInProgress = errors.New("liquidation already in progress")
	// ErrOperationNotFound 操作不存在
	ErrOperationNotFound = errors.New("liquidation operation not found")
	// ErrNotPaused 操作不在暂停状态
	ErrNotPaused = errors.New("operation is not paused")
	// ErrInvalidOperationState 当前状态不允许该动作
	ErrInvalidOperationState = errors.New("invalid operation state")
)
