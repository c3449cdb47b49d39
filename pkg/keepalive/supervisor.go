// Package keepalive 周期探测会话存活，链路中断时按指数退避重连。
package keepalive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/clisession/pkg/logger"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Target 被监督的会话；Probe 与 Reconnect 需与普通命令共用同一串行通道
type Target interface {
	ID() string
	// Probe timeout 自探测真正开始执行时计时
	Probe(ctx context.Context, timeout time.Duration) error
	Reconnect(ctx context.Context) error
}

// Config 保活参数
type Config struct {
	Delay        time.Duration `mapstructure:"delay"`
	Timeout      time.Duration `mapstructure:"timeout"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	// ReconnectTimeout 单次重连（拨号加初始化）的上限
	ReconnectTimeout  time.Duration `mapstructure:"reconnect_timeout"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = 60 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	return c
}

// Supervisor 单会话保活监督器
type Supervisor struct {
	cfg      Config
	target   Target
	listener ReconnectListener
	log      *logrus.Entry

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建监督器；listener 与 log 可为空
func New(target Target, cfg Config, listener ReconnectListener, log *logrus.Entry) *Supervisor {
	if listener == nil {
		listener = NopListener{}
	}
	if log == nil {
		log = logger.GetLogger().WithField("device", target.ID())
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		target:   target,
		listener: listener,
		log:      log,
		status:   StatusUnknown,
	}
}

// Status 最近一次状态
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start 启动监督协程，重复调用无效
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop 停止监督并等待协程退出
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed {
		s.listener.OnStatusUpdate(s.target.ID(), st)
	}
}

func (s *Supervisor) run(ctx context.Context) {
	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !s.check(ctx) {
			return
		}
		timer.Reset(s.cfg.Delay)
	}
}

// check 执行一次探测；返回 false 表示监督结束
func (s *Supervisor) check(ctx context.Context) bool {
	err := s.target.Probe(ctx, s.cfg.Timeout)
	switch {
	case err == nil:
		s.setStatus(StatusAlive)
		return true
	case ctx.Err() != nil:
		return false
	case session.IsPermanent(err):
		s.fail(err)
		return false
	case session.IsTransportError(err) || errors.Is(err, context.DeadlineExceeded):
		s.setStatus(StatusDisconnected)
		s.listener.OnDisconnected(s.target.ID(), err)
		return s.reconnect(ctx, err)
	default:
		// 设备有响应，视为存活
		s.log.Debugf("keepalive probe returned device error: %v", err)
		s.setStatus(StatusAlive)
		return true
	}
}

func (s *Supervisor) fail(err error) {
	s.setStatus(StatusFailed)
	s.listener.OnFailedConnection(s.target.ID(), err)
}

// reconnect 指数退避无限重试，直到成功、遇到不可恢复错误或 ctx 取消
func (s *Supervisor) reconnect(ctx context.Context, cause error) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffInitial
	b.MaxInterval = s.cfg.BackoffMax
	b.Multiplier = s.cfg.BackoffMultiplier
	b.MaxElapsedTime = 0

	s.setStatus(StatusReconnecting)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		s.listener.OnReconnecting(s.target.ID(), cause, attempt)
		rctx, cancel := context.WithTimeout(ctx, s.cfg.ReconnectTimeout)
		defer cancel()
		err := s.target.Reconnect(rctx)
		if err == nil {
			return nil
		}
		if session.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		s.log.Warnf("reconnect attempt %d failed: %v", attempt, err)
		cause = err
		return err
	}, backoff.WithContext(b, ctx))

	if err == nil {
		s.log.Infof("reconnected after %d attempts", attempt)
		s.setStatus(StatusReconnected)
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	s.fail(err)
	return false
}
