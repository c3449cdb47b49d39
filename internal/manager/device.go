package manager

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/sshcollectorpro/clisession/internal/archive"
	"github.com/sshcollectorpro/clisession/internal/config"
	"github.com/sshcollectorpro/clisession/internal/model"
	"github.com/sshcollectorpro/clisession/pkg/keepalive"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Device 一台设备的会话、命令队列与保活
type Device struct {
	cfg     config.DeviceConfig
	session *session.Session
	queue   *session.Queue
	super   *keepalive.Supervisor
	m       *Manager
	log     *logrus.Entry
}

// DeviceStatus 设备状态快照
type DeviceStatus struct {
	session.Status
	Protocol  string `json:"protocol"`
	Keepalive string `json:"keepalive"`
	Pending   int    `json:"pending"`
}

// ConfigureResult 配置下发结果
type ConfigureResult struct {
	Outputs []*session.Output     `json:"outputs"`
	Commit  *session.CommitResult `json:"commit,omitempty"`
	// Archive 提交失败时诊断输出的归档位置
	Archive *archive.StoredObject `json:"archive,omitempty"`
}

// ID 设备标识
func (d *Device) ID() string { return d.cfg.ID }

// Session 底层会话
func (d *Device) Session() *session.Session { return d.session }

// Status 返回状态快照
func (d *Device) Status() DeviceStatus {
	st := DeviceStatus{
		Status:    d.session.Status(),
		Protocol:  d.cfg.Protocol,
		Keepalive: "disabled",
		Pending:   d.queue.Len(),
	}
	if d.super != nil {
		st.Keepalive = string(d.super.Status())
	}
	return st
}

// Execute 执行只读命令；命中缓存时不访问设备，并发的相同命令合并为一次执行
func (d *Device) Execute(ctx context.Context, command string) (string, error) {
	if out, ok, err := d.m.cache.Get(ctx, d.cfg.ID, command); err != nil {
		d.log.Debugf("cache get %q: %v", command, err)
	} else if ok {
		d.audit(command, session.Show, true, 0, nil)
		return out, nil
	}

	start := time.Now()
	out, err := d.queue.Execute(ctx, command)
	d.audit(command, session.Show, false, time.Since(start), err)
	if err != nil {
		return "", err
	}
	if err := d.m.cache.Set(ctx, d.cfg.ID, command, out); err != nil {
		d.log.Debugf("cache set %q: %v", command, err)
	}
	return out, nil
}

// ExecuteAndRead 执行命令并返回完整输出；写命令使设备缓存失效
func (d *Device) ExecuteAndRead(ctx context.Context, cmd session.Command) (*session.Output, error) {
	if cmd.Kind == session.Show && cmd.ErrorPatterns == nil && cmd.Timeout == 0 {
		if text, ok, err := d.m.cache.Get(ctx, d.cfg.ID, cmd.Text); err == nil && ok {
			d.audit(cmd.Text, cmd.Kind, true, 0, nil)
			return &session.Output{Command: cmd.Text, Text: text}, nil
		}
	}

	start := time.Now()
	out, err := d.queue.ExecuteAndRead(ctx, cmd)
	d.audit(cmd.Text, cmd.Kind, false, time.Since(start), err)
	if cmd.Kind == session.Write {
		d.invalidate(ctx)
	} else if err == nil && out != nil {
		if cerr := d.m.cache.Set(ctx, d.cfg.ID, cmd.Text, out.Text); cerr != nil {
			d.log.Debugf("cache set %q: %v", cmd.Text, cerr)
		}
	}
	return out, err
}

// Configure 进入配置模式、逐行下发并提交，整个过程占用一次队列执行权
//
// 某一行报错时放弃全部变更；提交失败时诊断输出被归档并写入事件日志。
// commitPatterns 为 nil 时使用设备类型的提交错误正则。
// ctx 先于任务结束时返回空结果与 ctx 的错误，任务在队列中继续执行完毕。
func (d *Device) Configure(ctx context.Context, lines []string, commitPatterns session.ErrorPatterns) (*ConfigureResult, error) {
	results := make(chan *ConfigureResult, 1)
	_, err := d.queue.Do(ctx, "configure", 0, func(ctx context.Context, s *session.Session) (*session.Output, error) {
		result := &ConfigureResult{}
		err := d.configure(ctx, s, lines, commitPatterns, result)
		results <- result
		return nil, err
	}).Wait(ctx)

	select {
	case result := <-results:
		return result, err
	default:
		return &ConfigureResult{}, err
	}
}

// configure 在队列工作协程内运行，result 只在此协程内写入
func (d *Device) configure(ctx context.Context, s *session.Session, lines []string, commitPatterns session.ErrorPatterns, result *ConfigureResult) error {
	defer d.invalidate(context.WithoutCancel(ctx))
	if err := s.EnterConfigurationMode(ctx); err != nil {
		return err
	}
	for _, line := range lines {
		out, err := s.Execute(ctx, session.WriteCommand(line))
		if out != nil {
			result.Outputs = append(result.Outputs, out)
		}
		if err != nil {
			if aerr := s.Abort(ctx); aerr != nil {
				return multierr.Append(err, aerr)
			}
			return err
		}
	}
	commit, err := s.Commit(ctx, commitPatterns)
	result.Commit = commit

	var cfe *session.CommitFailedError
	if errors.As(err, &cfe) {
		d.onCommitFailed(ctx, cfe)
		if commit != nil && commit.Diagnostic != "" {
			if obj, ok := d.archiveDiagnostic(ctx, commit.Diagnostic); ok {
				result.Archive = obj
			}
		}
	}
	return err
}

// Reconnect 主动重连
func (d *Device) Reconnect(ctx context.Context) error {
	return d.queue.Reconnect(ctx)
}

// Close 停止保活，关闭队列与会话
func (d *Device) Close() error {
	if d.super != nil {
		d.super.Stop()
	}
	d.queue.Close()
	err := d.session.Close()
	d.m.recordEvent(d.cfg.ID, model.EventClosed, "", nil)
	return err
}

func (d *Device) invalidate(ctx context.Context) {
	if err := d.m.cache.InvalidateDevice(ctx, d.cfg.ID); err != nil {
		d.log.Warnf("cache invalidate: %v", err)
	}
}

func (d *Device) onCommitFailed(_ context.Context, cfe *session.CommitFailedError) {
	d.log.Warnf("commit failed (%s): %v", cfe.Outcome, cfe.Err)
	d.m.recordEvent(d.cfg.ID, model.EventCommitFailed, cfe.Outcome.String(), cfe)
}

func (d *Device) archiveDiagnostic(ctx context.Context, diagnostic string) (*archive.StoredObject, bool) {
	if d.m.archive == nil {
		return nil, false
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	obj, err := d.m.archive.Write(actx, archive.Meta{
		DeviceID: d.cfg.ID,
		Platform: d.session.Profile().Name,
		Kind:     "commit-failure",
		Name:     "diagnostic",
		Time:     time.Now(),
	}, diagnostic)
	if err != nil {
		d.log.Warnf("archive commit diagnostic: %v", err)
		return nil, false
	}
	return &obj, true
}

func (d *Device) audit(command string, kind session.Kind, cached bool, elapsed time.Duration, err error) {
	j := d.m.journal
	if j == nil {
		return
	}
	a := &model.CommandAudit{
		DeviceID:   d.cfg.ID,
		Command:    command,
		Kind:       kind.String(),
		Success:    err == nil,
		Cached:     cached,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		a.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if aerr := j.Audit(ctx, a); aerr != nil {
		d.log.Debugf("audit %q: %v", command, aerr)
	}
}
