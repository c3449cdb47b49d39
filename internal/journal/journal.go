// Package journal 将会话事件与命令审计写入 SQLite。
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sshcollectorpro/clisession/internal/database"
	"github.com/sshcollectorpro/clisession/internal/model"
	"github.com/sshcollectorpro/clisession/pkg/keepalive"
)

// Config 日志库配置
type Config struct {
	Path            string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Journal 会话事件与命令审计
type Journal struct {
	db  *gorm.DB
	log *logrus.Entry
}

var _ keepalive.ReconnectListener = (*Journal)(nil)

// Open 打开并迁移数据库
func Open(cfg Config, log *logrus.Logger) (*Journal, error) {
	db, err := database.OpenSQLite(database.SQLiteConfig{
		Path:            cfg.Path,
		MaxIdleConns:    cfg.MaxIdleConns,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, log, &model.SessionEvent{}, &model.CommandAudit{})
	if err != nil {
		return nil, err
	}
	return &Journal{db: db, log: log.WithField("component", "journal")}, nil
}

// Record 写入一条会话事件
func (j *Journal) Record(ctx context.Context, ev *model.SessionEvent) error {
	return database.WithRetry(j.db.WithContext(ctx), func(db *gorm.DB) error {
		return db.Create(ev).Error
	}, 3, 0)
}

// Audit 写入一条命令审计
func (j *Journal) Audit(ctx context.Context, a *model.CommandAudit) error {
	return database.WithRetry(j.db.WithContext(ctx), func(db *gorm.DB) error {
		return db.Create(a).Error
	}, 3, 0)
}

// Events 设备最近的事件，按时间倒序；limit <= 0 时取 100 条
func (j *Journal) Events(ctx context.Context, deviceID string, limit int) ([]model.SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []model.SessionEvent
	err := j.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Audits 设备最近的命令审计，按时间倒序
func (j *Journal) Audits(ctx context.Context, deviceID string, limit int) ([]model.CommandAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	var audits []model.CommandAudit
	err := j.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&audits).Error
	return audits, err
}

// Prune 删除早于 before 的记录
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", before).Delete(&model.SessionEvent{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		res = tx.Where("created_at < ?", before).Delete(&model.CommandAudit{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	return total, err
}

// Health 数据库可用性
func (j *Journal) Health() error {
	return database.Health(j.db)
}

// Close 关闭数据库
func (j *Journal) Close() error {
	return database.Close(j.db)
}

func (j *Journal) record(ev *model.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Record(ctx, ev); err != nil {
		j.log.WithField("device", ev.DeviceID).Warnf("record %s event failed: %v", ev.Event, err)
	}
}

func message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (j *Journal) OnDisconnected(device string, cause error) {
	j.record(&model.SessionEvent{DeviceID: device, Event: model.EventDisconnected, Message: message(cause)})
}

func (j *Journal) OnReconnecting(device string, cause error, attempt int) {
	j.record(&model.SessionEvent{DeviceID: device, Event: model.EventReconnecting, Attempt: attempt, Message: message(cause)})
}

func (j *Journal) OnFailedConnection(device string, cause error) {
	j.record(&model.SessionEvent{DeviceID: device, Event: model.EventFailedConnection, Message: message(cause)})
}

func (j *Journal) OnStatusUpdate(device string, status keepalive.Status) {
	j.record(&model.SessionEvent{DeviceID: device, Event: model.EventStatus, Status: string(status)})
}

// ErrDisabled 日志库未启用
var ErrDisabled = errors.New("journal disabled")
