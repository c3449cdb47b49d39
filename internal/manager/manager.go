// Package manager 按设备清单维护会话：每台设备一个 Session、一个命令队列和一个保活监督。
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sshcollectorpro/clisession/addone/platform"
	"github.com/sshcollectorpro/clisession/internal/archive"
	"github.com/sshcollectorpro/clisession/internal/config"
	"github.com/sshcollectorpro/clisession/internal/journal"
	"github.com/sshcollectorpro/clisession/internal/model"
	"github.com/sshcollectorpro/clisession/pkg/cache"
	"github.com/sshcollectorpro/clisession/pkg/keepalive"
	"github.com/sshcollectorpro/clisession/pkg/session"
	"github.com/sshcollectorpro/clisession/pkg/transport"
)

// ErrDeviceNotFound 设备不在清单中
var ErrDeviceNotFound = errors.New("device not found")

// DialFunc 按设备配置建立传输连接
type DialFunc func(ctx context.Context, dc config.DeviceConfig) (transport.Connection, error)

// Deps 管理器依赖；Cache、Journal、Archive、Dial、Listener 可为空
type Deps struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Cache    cache.ShowCache
	Journal  *journal.Journal
	Archive  archive.Writer
	Dial     DialFunc
	Listener keepalive.ReconnectListener
}

// Manager 设备会话管理器
type Manager struct {
	cfg      *config.Config
	log      *logrus.Entry
	base     *logrus.Logger
	cache    cache.ShowCache
	journal  *journal.Journal
	archive  archive.Writer
	dial     DialFunc
	listener keepalive.ReconnectListener

	mu      sync.RWMutex
	devices map[string]*Device
}

// New 创建管理器，不会建立连接
func New(deps Deps) *Manager {
	base := deps.Logger
	if base == nil {
		base = logrus.StandardLogger()
	}
	m := &Manager{
		cfg:      deps.Config,
		log:      base.WithField("component", "manager"),
		base:     base,
		cache:    deps.Cache,
		journal:  deps.Journal,
		archive:  deps.Archive,
		dial:     deps.Dial,
		listener: deps.Listener,
		devices:  make(map[string]*Device),
	}
	if m.cache == nil {
		m.cache = cache.Nop{}
	}
	if m.dial == nil {
		m.dial = m.dialTransport
	}
	return m
}

// Journal 事件日志，未启用时为 nil
func (m *Manager) Journal() *journal.Journal { return m.journal }

func (m *Manager) dialTransport(ctx context.Context, dc config.DeviceConfig) (transport.Connection, error) {
	creds := transport.Credentials{Username: dc.Username, Password: dc.Password, KeyFile: dc.KeyFile}
	if dc.Protocol == string(transport.ProtocolTelnet) {
		return transport.DialTelnet(ctx, dc.Address(), creds, m.cfg.Telnet)
	}
	return transport.DialSSH(ctx, dc.Address(), creds, m.cfg.SSH)
}

// OpenAll 并行打开清单中的全部设备
//
// 单台设备初始化失败不影响其它设备；失败的设备仍被登记，由保活负责后续重连。
// 返回所有失败原因的合并错误。
func (m *Manager) OpenAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if n := m.cfg.Session.OpenConcurrency; n > 0 {
		g.SetLimit(n)
	}
	var (
		mu   sync.Mutex
		errs error
	)
	for _, dc := range m.cfg.Devices {
		dc := dc
		g.Go(func() error {
			if _, err := m.Open(gctx, dc); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", dc.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Open 建立单台设备的会话并启动保活；已存在时返回已有设备
func (m *Manager) Open(ctx context.Context, dc config.DeviceConfig) (*Device, error) {
	m.mu.Lock()
	if d, ok := m.devices[dc.ID]; ok {
		m.mu.Unlock()
		return d, nil
	}
	d, err := m.newDevice(dc)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.devices[dc.ID] = d
	m.mu.Unlock()

	initErr := d.queue.Initialize(ctx)
	if initErr != nil {
		d.log.Warnf("initialize failed: %v", initErr)
	} else {
		m.recordEvent(dc.ID, model.EventOpened, "", nil)
	}
	if d.super != nil {
		if initErr != nil && session.IsPermanent(initErr) {
			d.log.Error("permanent failure, keepalive not started")
		} else {
			d.super.Start(context.Background())
		}
	}
	return d, initErr
}

func (m *Manager) newDevice(dc config.DeviceConfig) (*Device, error) {
	plugin := platform.Get(dc.Platform)
	profile := m.cfg.ApplyPlatformDefaults(plugin.Profile())
	strategy := plugin.Strategy(platform.Secrets{EnablePassword: dc.EnablePassword})
	if st, ok := strategy.(*session.StandardStrategy); ok && st.MaxPasswordAttempts == 0 {
		st.MaxPasswordAttempts = m.cfg.Session.MaxPasswordAttempts
	}

	entry := m.base.WithField("component", "session")
	s, err := session.New(session.Options{
		ID:      dc.ID,
		Address: dc.Address(),
		Dial: func(ctx context.Context) (transport.Connection, error) {
			return m.dial(ctx, dc)
		},
		Profile:  profile,
		Strategy: strategy,
		Logger:   entry,
	})
	if err != nil {
		return nil, err
	}
	q := session.NewQueue(s, session.QueueOptions{
		WriteCeiling: m.cfg.Session.WriteCeiling,
		ShowCeiling:  m.cfg.Session.ShowCeiling,
	})

	d := &Device{
		cfg:     dc,
		session: s,
		queue:   q,
		m:       m,
		log:     m.base.WithFields(logrus.Fields{"device": dc.ID, "platform": profile.Name}),
	}
	if dc.KeepaliveEnabled(m.cfg.Keepalive.Enabled) {
		listeners := keepalive.MultiListener{keepalive.LogListener{Log: d.log}}
		if m.journal != nil {
			listeners = append(listeners, m.journal)
		}
		if m.listener != nil {
			listeners = append(listeners, m.listener)
		}
		d.super = keepalive.New(q, m.cfg.Keepalive.Config, listeners, d.log.WithField("component", "keepalive"))
	}
	return d, nil
}

// Get 按 ID 获取设备
func (m *Manager) Get(id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// Devices 全部设备，按 ID 排序
func (m *Manager) Devices() []*Device {
	m.mu.RLock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.ID < out[j].cfg.ID })
	return out
}

// Remove 关闭并移除设备
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	d, ok := m.devices[id]
	delete(m.devices, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d.Close()
}

// CloseAll 关闭全部设备
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	devices := m.devices
	m.devices = make(map[string]*Device)
	m.mu.Unlock()

	var errs error
	for _, d := range devices {
		errs = multierr.Append(errs, d.Close())
	}
	return errs
}

func (m *Manager) recordEvent(device, event, status string, cause error) {
	if m.journal == nil {
		return
	}
	ev := &model.SessionEvent{DeviceID: device, Event: event, Status: status}
	if cause != nil {
		ev.Message = cause.Error()
	}
	if err := m.journal.Record(context.Background(), ev); err != nil {
		m.log.WithField("device", device).Warnf("record %s event failed: %v", event, err)
	}
}
