package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrPositionNotFound 持仓不存在
	ErrPositionNotFound = errors.New("position not found")
	// ErrPositionClosed 持仓已终结，不可再变更
	ErrPositionClosed = errors.New("position already closed")
	// ErrAlreadyClosing 持仓已被其他平仓流程占用
	ErrAlreadyClosing = errors.New("position is already closing")
	// ErrNotClosing 持仓不在平仓中状态
	ErrNotClosing = errors.New("position is not closing")
)

// PreconditionError 前置条件违反。属于调用方合约错误，
// 直接失败而不做任何截断或兜底。
type PreconditionError struct {
	Field string
	Value decimal.Decimal
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition violated: %s must be strictly positive, got %s", e.Field, e.Value)
}

// IsPrecondition 判断错误是否为前置条件违反
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}
