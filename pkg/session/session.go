// Package session 实现网络设备交互式 CLI 会话：提示符识别、模式状态机、
// 命令执行与错误检测、配置提交与回滚。
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/clisession/pkg/logger"
	"github.com/sshcollectorpro/clisession/pkg/transport"
)

// Dialer 打开到设备的传输连接
type Dialer func(ctx context.Context) (transport.Connection, error)

// Options 会话选项
type Options struct {
	ID       string
	Address  string
	Dial     Dialer
	Profile  Profile
	Strategy InitializationStrategy
	// Logger 为空时使用全局日志
	Logger *logrus.Entry
}

// Status 会话状态快照
type Status struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	Prompt      string `json:"prompt"`
	Reconnects  int    `json:"reconnects"`
	Connected   bool   `json:"connected"`
	Discarded   bool   `json:"discarded"`
	LastCommand string `json:"last_command"`
}

// Session 单台设备的交互式会话
//
// 操作方法之间互斥；同一时刻最多一条命令在设备上执行。
// 通常通过 Queue 使用，Queue 保证 FIFO 顺序。
type Session struct {
	id       string
	address  string
	dial     Dialer
	profile  Profile
	strategy InitializationStrategy
	log      *logrus.Entry

	opMu sync.Mutex

	mu          sync.Mutex
	conn        transport.Connection
	mode        Mode
	prompt      string
	root        string
	reconnects  int
	lastCommand string
	discarded   bool
	closed      bool
}

// New 创建会话，不会立即连接
func New(opts Options) (*Session, error) {
	if opts.Dial == nil {
		return nil, errors.New("session: dialer is required")
	}
	if opts.ID == "" {
		opts.ID = opts.Address
	}
	profile := opts.Profile.WithDefaults()
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger().WithFields(logrus.Fields{})
	}
	log = log.WithFields(logrus.Fields{
		"device":   opts.ID,
		"address":  opts.Address,
		"platform": profile.Name,
	})
	return &Session{
		id:       opts.ID,
		address:  opts.Address,
		dial:     opts.Dial,
		profile:  profile,
		strategy: opts.Strategy,
		log:      log,
	}, nil
}

// ID 设备标识
func (s *Session) ID() string { return s.id }

// Profile 生效的设备类型配置
func (s *Session) Profile() Profile { return s.profile }

// Mode 当前模式
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Prompt 最近一次识别的提示符
func (s *Session) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// Reconnects 重连次数
func (s *Session) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// Status 返回状态快照
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	connected := s.conn != nil && s.conn.Err() == nil
	return Status{
		ID:          s.id,
		Address:     s.address,
		Platform:    s.profile.Name,
		Mode:        s.mode.String(),
		Prompt:      s.prompt,
		Reconnects:  s.reconnects,
		Connected:   connected,
		Discarded:   s.discarded,
		LastCommand: s.lastCommand,
	}
}

// Initialize 连接（如需要）并执行初始化策略，成功后进入特权模式
func (s *Session) Initialize(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	return s.initialize(ctx)
}

// Execute 执行命令并检测错误输出
func (s *Session) Execute(ctx context.Context, cmd Command) (*Output, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.execute(ctx, cmd)
}

// ExecuteAndSwitchPrompt 执行命令并要求新提示符满足 predicate
//
// 新提示符符合设备类型的配置或特权提示符时，会话模式随之切换；
// 没有独立配置模式的设备不改变模式。
func (s *Session) ExecuteAndSwitchPrompt(ctx context.Context, cmd Command, predicate PromptPredicate) (*Output, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	out, err := s.executeAndSwitchPrompt(ctx, cmd, predicate, s.Mode())
	if err != nil {
		return out, err
	}
	if to, ok := s.modeForPrompt(out.Prompt); ok && to != s.Mode() {
		if err := s.transition(to); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Session) modeForPrompt(prompt string) (Mode, bool) {
	if s.profile.ImplicitConfig {
		return s.Mode(), false
	}
	switch {
	case s.profile.ConfigPrompt(prompt):
		return Configuration, true
	case s.profile.PrivilegedPrompt(prompt):
		return Privileged, true
	}
	return s.Mode(), false
}

// EnterConfigurationMode 从特权模式进入配置模式
func (s *Session) EnterConfigurationMode(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	mode := s.Mode()
	if mode == Configuration {
		return nil
	}
	if mode != Privileged {
		return &ModeTransitionError{Device: s.id, Command: s.profile.ConfigEnterCommand, From: mode, To: Configuration, Prompt: s.Prompt(), Err: ErrInvalidTransition}
	}
	if s.profile.ImplicitConfig {
		return s.transition(Configuration)
	}
	cmd := Command{Text: s.profile.ConfigEnterCommand, Kind: Write, Timeout: s.profile.Timeouts.Write}
	if _, err := s.executeAndSwitchPrompt(ctx, cmd, s.profile.ConfigPrompt, Configuration); err != nil {
		return err
	}
	return s.transition(Configuration)
}

// Reconnect 关闭当前连接后重新建立并初始化
func (s *Session) Reconnect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mode = Unauthenticated
	s.reconnects++
	attempt := s.reconnects
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debugf("close before reconnect: %v", err)
		}
	}
	s.log.Infof("reconnecting (#%d)", attempt)
	return s.initialize(ctx)
}

// Probe 保活探测：协议层 ping（如支持）加一条空命令
func (s *Session) Probe(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	conn, err := s.connection()
	if err != nil {
		return err
	}
	if p, ok := conn.(transport.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	_, err = s.execute(ctx, Command{Text: "", Kind: Show, ErrorPatterns: NoErrorPatterns})
	return err
}

// Close 关闭会话；可与执行中的命令并发调用，阻塞的读取会立即返回
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mode = Unauthenticated
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.discarded {
		return ErrSessionDiscarded
	}
	return nil
}

func (s *Session) connection() (transport.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, &transport.Error{Op: "session", Address: s.address, Err: fmt.Errorf("%w: not connected", transport.ErrClosed)}
	}
	if err := s.conn.Err(); err != nil {
		return nil, err
	}
	return s.conn, nil
}

func (s *Session) transition(to Mode) error {
	s.mu.Lock()
	from := s.mode
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.log.Errorf("invalid mode transition %s -> %s", from, to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.mode = to
	s.mu.Unlock()
	if from != to {
		s.log.Debugf("mode %s -> %s", from, to)
	}
	return nil
}

func (s *Session) setPrompt(prompt string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return
	}
	s.mu.Lock()
	s.prompt = prompt
	s.root = promptRoot(prompt, s.profile.PromptSuffixes)
	s.mu.Unlock()
}

// dropConnection 连接已失效时回到未认证状态
func (s *Session) dropConnection(conn transport.Connection) {
	if conn.Err() == nil {
		return
	}
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.mode = Unauthenticated
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// discard 回滚失败后废弃会话
func (s *Session) discard(cause error) {
	s.mu.Lock()
	s.discarded = true
	conn := s.conn
	s.conn = nil
	s.mode = Unauthenticated
	s.mu.Unlock()
	s.log.Errorf("session discarded: %v", cause)
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) resolver() *PromptResolver {
	return &PromptResolver{
		Device:   s.id,
		Newline:  s.profile.Newline,
		Filters:  s.profile.PromptFilters,
		Window:   s.profile.Timeouts.PromptWindow,
		Attempts: s.profile.Timeouts.PromptAttempts,
	}
}

func (s *Session) resolve(ctx context.Context) (string, error) {
	conn, err := s.connection()
	if err != nil {
		return "", err
	}
	prompt, err := s.resolver().Resolve(ctx, conn)
	if err != nil {
		s.dropConnection(conn)
		return "", err
	}
	return prompt, nil
}

func (s *Session) initialize(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || conn.Err() != nil {
		if conn != nil {
			_ = conn.Close()
		}
		s.log.Debug("dialing")
		c, err := s.dial(ctx)
		if err != nil {
			return &SessionInitializationError{Device: s.id, Err: err}
		}
		s.mu.Lock()
		s.conn = c
		s.mode = Unauthenticated
		s.mu.Unlock()
	}

	fail := func(err error) error {
		s.mu.Lock()
		c := s.conn
		s.conn = nil
		s.mode = Unauthenticated
		s.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		var pe *PromptResolutionError
		output := ""
		if errors.As(err, &pe) {
			output = pe.Output
		}
		s.log.Warnf("initialization failed: %v", err)
		return &SessionInitializationError{Device: s.id, Output: output, Err: err}
	}

	prompt, err := s.resolve(ctx)
	if err != nil {
		return fail(err)
	}
	s.setPrompt(prompt)

	if s.strategy != nil {
		if err := s.strategy.Accept(ctx, &terminal{s: s}, s.profile.Newline); err != nil {
			return fail(err)
		}
		if prompt, err = s.resolve(ctx); err != nil {
			return fail(err)
		}
		s.setPrompt(prompt)
	}

	if !s.profile.PrivilegedPrompt(prompt) {
		return fail(fmt.Errorf("prompt %q is not privileged", prompt))
	}
	if err := s.transition(Privileged); err != nil {
		return fail(err)
	}
	s.log.Infof("session initialized, prompt %q", prompt)
	return nil
}

func (s *Session) timeoutFor(cmd Command) time.Duration {
	if cmd.Timeout > 0 {
		return cmd.Timeout
	}
	if cmd.Kind == Write {
		return s.profile.Timeouts.Write
	}
	return s.profile.Timeouts.Show
}

// isPrompt 尾行与已知提示符相同，或包含主机名且以提示符后缀结尾
func (s *Session) isPrompt(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	s.mu.Lock()
	prompt, root := s.prompt, s.root
	s.mu.Unlock()
	if line == prompt {
		return true
	}
	if root == "" {
		return anyPrompt.MatchString(line)
	}
	if !strings.Contains(line, root) {
		return false
	}
	for _, suf := range s.profile.PromptSuffixes {
		if strings.HasSuffix(line, suf) {
			return true
		}
	}
	return false
}

func (s *Session) autoInteraction(tail string) *AutoInteraction {
	for i := range s.profile.AutoInteractions {
		ai := &s.profile.AutoInteractions[i]
		if ai.Expect.MatchString(tail) {
			return ai
		}
	}
	return nil
}

// tailWindow 尾行检测只解码最后一段字节
const tailWindow = 512

// readUntil 持续读取直到尾行满足 match；期间自动应答分页等交互
func (s *Session) readUntil(ctx context.Context, conn transport.Connection, timeout time.Duration, match func(string) bool) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var acc []byte
	answered := 0
	for {
		chunk, err := conn.ReadAvailable(cctx, s.profile.Timeouts.Poll)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return acc, ctx.Err()
			case cctx.Err() != nil:
				return acc, ErrCommandTimeout
			case errors.Is(err, transport.ErrReadTimeout):
				continue
			default:
				return acc, err
			}
		}
		acc = append(acc, chunk...)

		from := answered
		if len(acc)-from > tailWindow {
			from = len(acc) - tailWindow
		}
		tail := strings.TrimSpace(splitTail(decode(acc[from:])))
		if tail == "" {
			continue
		}
		if ai := s.autoInteraction(tail); ai != nil {
			if err := conn.Write([]byte(ai.Send)); err != nil {
				return acc, err
			}
			answered = len(acc)
			continue
		}
		if match(tail) {
			return acc, nil
		}
	}
}

// buildOutput 去掉命令回显、尾部提示符、横幅与分页标记
func (s *Session) buildOutput(command, text string, start time.Time) *Output {
	lines := strings.Split(text, "\n")
	prompt := strings.TrimSpace(lines[len(lines)-1])
	lines = lines[:len(lines)-1]

	if len(lines) > 0 {
		first := strings.TrimSpace(lines[0])
		cmd := strings.TrimSpace(command)
		if (cmd == "" && first == "") || (cmd != "" && strings.HasSuffix(first, cmd)) {
			lines = lines[1:]
		}
	}

	kept := lines[:0]
	for _, line := range lines {
		for _, ai := range s.profile.AutoInteractions {
			line = ai.Expect.ReplaceAllString(line, "")
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	for len(kept) > 0 {
		last := strings.TrimSpace(kept[len(kept)-1])
		if last != "" && !matchAny(s.profile.PromptFilters, last) {
			break
		}
		kept = kept[:len(kept)-1]
	}

	return &Output{
		Command:  command,
		Text:     strings.Join(kept, "\n"),
		Raw:      text,
		Prompt:   prompt,
		Duration: time.Since(start),
	}
}

func matchAny(res []*regexp.Regexp, line string) bool {
	for _, re := range res {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// send 写入命令并记录为最近一条命令
func (s *Session) send(ctx context.Context, text string) (transport.Connection, error) {
	conn, err := s.writeLine(ctx, text)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastCommand = text
	s.mu.Unlock()
	return conn, nil
}

// writeLine 丢弃旧输出后写入一行，不记录内容（密码也经由此处）
func (s *Session) writeLine(ctx context.Context, text string) (transport.Connection, error) {
	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	if err := drain(ctx, conn); err != nil {
		return nil, err
	}
	if err := conn.Write([]byte(text + s.profile.Newline)); err != nil {
		s.dropConnection(conn)
		return nil, err
	}
	return conn, nil
}

func (s *Session) execute(ctx context.Context, cmd Command) (*Output, error) {
	start := time.Now()
	conn, err := s.send(ctx, cmd.Text)
	if err != nil {
		return nil, err
	}

	raw, err := s.readUntil(ctx, conn, s.timeoutFor(cmd), s.isPrompt)
	if err != nil {
		s.dropConnection(conn)
		s.log.Warnf("command %q: %v", cmd.Text, err)
		return nil, err
	}
	out := s.buildOutput(cmd.Text, decode(raw), start)
	s.setPrompt(out.Prompt)

	patterns := cmd.ErrorPatterns
	if patterns == nil {
		patterns = s.profile.ErrorPatterns
	}
	if reason, ok := patterns.Match(out.Text); ok {
		s.log.Warnf("command %q failed: %s", cmd.Text, reason)
		return out, &CommandExecutionError{Device: s.id, Command: cmd.Text, Reason: reason, Output: out.Text}
	}
	s.log.Debugf("command %q done in %s", cmd.Text, out.Duration)
	logger.DebugCommandOutput(s.log, cmd.Text, out.Text, 3)
	return out, nil
}

func (s *Session) executeAndSwitchPrompt(ctx context.Context, cmd Command, predicate PromptPredicate, to Mode) (*Output, error) {
	start := time.Now()
	from := s.Mode()
	conn, err := s.send(ctx, cmd.Text)
	if err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.profile.Timeouts.Write
	}
	raw, err := s.readUntil(ctx, conn, timeout, func(line string) bool {
		return predicate(line) || s.isPrompt(line)
	})
	if err != nil && !errors.Is(err, ErrCommandTimeout) {
		s.dropConnection(conn)
		return nil, err
	}
	out := s.buildOutput(cmd.Text, decode(raw), start)
	if err == nil && predicate(out.Prompt) {
		s.setPrompt(out.Prompt)
		return out, nil
	}

	// 尾行不满足时再探测一次实际提示符
	prompt, rerr := s.resolve(ctx)
	if rerr == nil {
		s.setPrompt(prompt)
		if predicate(prompt) {
			out.Prompt = prompt
			return out, nil
		}
	} else {
		prompt = out.Prompt
		err = rerr
	}
	return out, &ModeTransitionError{Device: s.id, Command: cmd.Text, From: from, To: to, Prompt: prompt, Output: out.Text, Err: err}
}

// terminal 初始化策略使用的无锁视图
type terminal struct {
	s *Session
}

func (t *terminal) Device() string { return t.s.id }

func (t *terminal) Newline() string { return t.s.profile.Newline }

func (t *terminal) Log() *logrus.Entry { return t.s.log }

func (t *terminal) Prompt() string { return t.s.Prompt() }

func (t *terminal) ResolvePrompt(ctx context.Context) (string, error) {
	prompt, err := t.s.resolve(ctx)
	if err == nil {
		t.s.setPrompt(prompt)
	}
	return prompt, err
}

func (t *terminal) WriteLine(ctx context.Context, line string) error {
	_, err := t.s.writeLine(ctx, line)
	return err
}

func (t *terminal) ReadUntil(ctx context.Context, timeout time.Duration, patterns ...*regexp.Regexp) (string, int, error) {
	conn, err := t.s.connection()
	if err != nil {
		return "", -1, err
	}
	if timeout <= 0 {
		timeout = t.s.profile.Timeouts.Write
	}
	hit := -1
	raw, err := t.s.readUntil(ctx, conn, timeout, func(line string) bool {
		for i, re := range patterns {
			if re.MatchString(line) {
				hit = i
				return true
			}
		}
		return false
	})
	return decode(raw), hit, err
}

func (t *terminal) Execute(ctx context.Context, cmd Command) (*Output, error) {
	return t.s.execute(ctx, cmd)
}

func (t *terminal) ExecuteAndSwitchPrompt(ctx context.Context, cmd Command, predicate PromptPredicate) (*Output, error) {
	return t.s.executeAndSwitchPrompt(ctx, cmd, predicate, t.s.Mode())
}
