// Package sagaerrors 定义统一错误码
package sagaerrors

import (
	"errors"
	"fmt"
)

// Code 错误码
type Code string

// 错误码定义
const (
	CodeOK      Code = "OK"
	CodeUnknown Code = "UNKNOWN"

	// 入站事件校验 (1xxx)
	CodeMalformedEvent       Code = "MALFORMED_EVENT"
	CodeMissingTransactionID Code = "MISSING_TRANSACTION_ID"
	CodeUnknownSource        Code = "UNKNOWN_SOURCE"
	CodeUnknownStatus        Code = "UNKNOWN_STATUS"
	CodeDuplicateEvent       Code = "DUPLICATE_EVENT"

	// 路由 (2xxx)
	CodeNoRoute         Code = "NO_ROUTE"
	CodeInvalidTopology Code = "INVALID_TOPOLOGY"

	// 持久化 (3xxx)
	CodeVersionConflict Code = "VERSION_CONFLICT"
	CodeSagaNotFound    Code = "SAGA_NOT_FOUND"

	// 传输 (4xxx)
	CodePublishFailed Code = "PUBLISH_FAILED"
	CodeConsumeFailed Code = "CONSUME_FAILED"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf 提取错误码，非业务错误返回 UNKNOWN
func CodeOf(err error) Code {
	var sagaErr *Error
	if errors.As(err, &sagaErr) {
		return sagaErr.Code
	}
	return CodeUnknown
}

// IsValidation 是否为入站校验错误（不可重试，需人工介入）
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeMalformedEvent, CodeMissingTransactionID, CodeUnknownSource,
		CodeUnknownStatus, CodeDuplicateEvent, CodeNoRoute, CodeSagaNotFound:
		return true
	default:
		return false
	}
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeVersionConflict, CodePublishFailed, CodeConsumeFailed:
		return true
	default:
		return false
	}
}

// 预定义错误
var (
	ErrMissingTransactionID = New(CodeMissingTransactionID, "transaction id is required")
	ErrDuplicateEvent       = New(CodeDuplicateEvent, "event already processed")
	ErrSagaNotFound         = New(CodeSagaNotFound, "saga not found")
	ErrVersionConflict      = New(CodeVersionConflict, "concurrent saga update")
)
