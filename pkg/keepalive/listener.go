package keepalive

import (
	"github.com/sirupsen/logrus"
)

// Status 连接健康状态
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusAlive        Status = "alive"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusReconnected  Status = "reconnected"
	StatusFailed       Status = "failed"
)

// ReconnectListener 保活与重连事件回调，回调在监督协程中同步执行
type ReconnectListener interface {
	OnDisconnected(device string, cause error)
	OnReconnecting(device string, cause error, attempt int)
	OnFailedConnection(device string, cause error)
	OnStatusUpdate(device string, status Status)
}

// MultiListener 将事件依次分发给多个监听器
type MultiListener []ReconnectListener

func (m MultiListener) OnDisconnected(device string, cause error) {
	for _, l := range m {
		l.OnDisconnected(device, cause)
	}
}

func (m MultiListener) OnReconnecting(device string, cause error, attempt int) {
	for _, l := range m {
		l.OnReconnecting(device, cause, attempt)
	}
}

func (m MultiListener) OnFailedConnection(device string, cause error) {
	for _, l := range m {
		l.OnFailedConnection(device, cause)
	}
}

func (m MultiListener) OnStatusUpdate(device string, status Status) {
	for _, l := range m {
		l.OnStatusUpdate(device, status)
	}
}

// LogListener 将事件写入日志
type LogListener struct {
	Log *logrus.Entry
}

func (l LogListener) OnDisconnected(device string, cause error) {
	l.Log.WithField("device", device).Warnf("disconnected: %v", cause)
}

func (l LogListener) OnReconnecting(device string, cause error, attempt int) {
	l.Log.WithFields(logrus.Fields{"device": device, "attempt": attempt}).Infof("reconnecting: %v", cause)
}

func (l LogListener) OnFailedConnection(device string, cause error) {
	l.Log.WithField("device", device).Errorf("connection failed permanently: %v", cause)
}

func (l LogListener) OnStatusUpdate(device string, status Status) {
	l.Log.WithField("device", device).Infof("status %s", status)
}

// NopListener 忽略全部事件
type NopListener struct{}

func (NopListener) OnDisconnected(string, error) {}

func (NopListener) OnReconnecting(string, error, int) {}

func (NopListener) OnFailedConnection(string, error) {}

func (NopListener) OnStatusUpdate(string, Status) {}
