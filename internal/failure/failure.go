// Package failure 定义带类型的错误种类与对应的重试 / 展示策略。
//
// 错误在抛出点就带上 Kind；只有第三方返回的无类型错误才退回到关键字启发式分类。
package failure

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/lib/pq"
)

// Kind 错误种类
type Kind string

const (
	KindPermission        Kind = "permission"
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindValidation        Kind = "validation"
	KindNetwork           Kind = "network"
	KindConnectionRefused Kind = "connection_refused"
	KindTimeout           Kind = "timeout"
	KindDatabase          Kind = "database"
	KindHardware          Kind = "hardware_failure"
	KindNotFound          Kind = "not_found"
	KindInvalidResponse   Kind = "invalid_response"
	KindUnknown           Kind = "unknown"
)

// Error 带种类的错误
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New 创建指定种类的错误
func New(kind Kind, op, message string) error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf 同 New，消息支持格式化
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 用指定种类包装底层错误；err 为 nil 时返回 nil
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 解析错误种类：类型化错误优先，其次是标准库/驱动错误，最后才是关键字启发式
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) || errors.Is(err, sql.ErrConnDone) {
		return KindDatabase
	}
	if errors.Is(err, sql.ErrNoRows) {
		return KindNotFound
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}

	return Classify(err.Error())
}

// Is 判断错误是否为指定种类
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
