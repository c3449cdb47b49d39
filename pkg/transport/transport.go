// Package transport 提供到网络设备控制台的字节流连接（SSH / Telnet）
package transport

import (
	"context"
	"time"
)

// Connection 设备控制台连接
//
// ReadAvailable 在有数据时立即返回全部已缓冲字节；没有数据时最多等待 timeout，
// 超时返回 ErrReadTimeout。Close 幂等，并立即唤醒阻塞中的读取。
type Connection interface {
	Address() string
	Write(p []byte) error
	ReadAvailable(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
	// Done 在连接关闭或对端断开后关闭
	Done() <-chan struct{}
	// Err 返回导致连接结束的错误，连接存活时为 nil
	Err() error
}

// Pinger 支持协议层保活探测的连接（如 SSH keepalive@openssh.com）
type Pinger interface {
	Ping(ctx context.Context) error
}

// Credentials 登录凭据
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	KeyFile  string `json:"key_file,omitempty"`
}

// Protocol 传输协议
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)
