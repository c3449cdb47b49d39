package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// 传输层错误类别，通过 errors.Is 判断
var (
	ErrConnectTimeout = errors.New("connect timeout")
	ErrAuthFailure    = errors.New("authentication failed")
	ErrNetwork        = errors.New("network error")
	ErrReadTimeout    = errors.New("read timeout")
	ErrClosed         = errors.New("connection closed")
)

// Error 传输层错误，携带操作与目标地址
type Error struct {
	Op      string
	Address string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op, address string, kind, cause error) *Error {
	switch {
	case cause == nil:
		return &Error{Op: op, Address: address, Err: kind}
	case errors.Is(cause, kind):
		return &Error{Op: op, Address: address, Err: cause}
	default:
		return &Error{Op: op, Address: address, Err: fmt.Errorf("%w: %w", kind, cause)}
	}
}

// IsTransport 判断错误是否属于传输层（连接断开、超时、网络不可达等）
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsAuthFailure 认证失败不应重试
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailure)
}

// classifyDialError 将拨号错误归类为连接超时或网络错误
func classifyDialError(address string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return newError("dial", address, ErrConnectTimeout, err)
	}
	return newError("dial", address, ErrNetwork, err)
}

func isNetClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
