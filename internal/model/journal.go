package model

import (
	"time"
)

// SessionEvent 会话生命周期与保活事件
type SessionEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	DeviceID  string    `json:"device_id" gorm:"type:varchar(128);not null;index:idx_session_events_device_time,priority:1"`
	Event     string    `json:"event" gorm:"type:varchar(32);not null"`
	Status    string    `json:"status" gorm:"type:varchar(32)"`
	Attempt   int       `json:"attempt" gorm:"default:0"`
	Message   string    `json:"message" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime;index:idx_session_events_device_time,priority:2"`
}

// TableName 表名
func (SessionEvent) TableName() string {
	return "session_events"
}

// 事件类型
const (
	EventDisconnected     = "disconnected"
	EventReconnecting     = "reconnecting"
	EventFailedConnection = "failed_connection"
	EventStatus           = "status"
	EventCommitFailed     = "commit_failed"
	EventOpened           = "opened"
	EventClosed           = "closed"
)

// CommandAudit 命令执行审计
type CommandAudit struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	DeviceID   string    `json:"device_id" gorm:"type:varchar(128);not null;index"`
	Command    string    `json:"command" gorm:"type:text;not null"`
	Kind       string    `json:"kind" gorm:"type:varchar(16);not null"`
	Success    bool      `json:"success"`
	Cached     bool      `json:"cached"`
	Error      string    `json:"error" gorm:"type:text"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

// TableName 表名
func (CommandAudit) TableName() string {
	return "command_audits"
}
