package simulate

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/clisession/pkg/logger"
)

// DeviceConfig 模拟设备的行为配置
type DeviceConfig struct {
	Hostname string `mapstructure:"hostname"`
	// UserSuffix 为空时设备登录后直接处于特权模式
	UserSuffix    string `mapstructure:"user_suffix"`
	EnableSuffix  string `mapstructure:"enable_suffix"`
	ConfigSuffix  string `mapstructure:"config_suffix"`
	EnableCommand string `mapstructure:"enable_command"`
	// EnablePassword 为空时 enable 无需密码
	EnablePassword string `mapstructure:"enable_password"`
	// PasswordRepeats 正确密码之前额外重复的 Password: 提示次数
	PasswordRepeats int `mapstructure:"password_repeats"`
	// Banner 每个提示符前输出的横幅行，如 {master}
	Banner string `mapstructure:"banner"`
	// ConfigBanner 配置模式下代替 Banner 输出，如 {master:0}[edit]
	ConfigBanner string `mapstructure:"config_banner"`
	// ConfigCommand 进入配置模式的命令
	ConfigCommand string `mapstructure:"config_command"`
	// CommitCommand 为空时配置模式不支持 commit
	CommitCommand string `mapstructure:"commit_command"`
	AbortCommand  string `mapstructure:"abort_command"`
	// CommitFailure 非空时 commit 输出该文本并停留在配置模式
	CommitFailure string `mapstructure:"commit_failure"`
	// FailedDiagnostic show configuration failed 的输出
	FailedDiagnostic string `mapstructure:"failed_diagnostic"`
	// Outputs 命令到输出的映射
	Outputs map[string]string `mapstructure:"outputs"`
	// PagerLines 大于 0 时超过该行数的输出分页显示 --More--
	PagerLines int `mapstructure:"pager_lines"`
	// HangCommand 收到后不做任何响应
	HangCommand string `mapstructure:"hang_command"`
	// Silent 关闭回显
	Silent bool `mapstructure:"silent"`
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.Hostname == "" {
		c.Hostname = "R1"
	}
	if c.EnableSuffix == "" {
		c.EnableSuffix = "#"
	}
	if c.ConfigSuffix == "" {
		c.ConfigSuffix = "(config)#"
	}
	if c.EnableCommand == "" {
		c.EnableCommand = "enable"
	}
	if c.ConfigCommand == "" {
		c.ConfigCommand = "configure terminal"
	}
	if c.AbortCommand == "" {
		c.AbortCommand = "abort"
	}
	if c.FailedDiagnostic == "" {
		c.FailedDiagnostic = "No failed configuration"
	}
	return c
}

const invalidInput = "% Invalid input detected at '^' marker."

type cliMode int

const (
	modeUser cliMode = iota
	modeEnable
	modeConfig
)

// Device 脚本化的网络设备 CLI
//
// 同一个 Device 可以同时服务多个连接，每个连接拥有独立的模式状态。
type Device struct {
	cfg DeviceConfig
	log *logrus.Entry

	mu      sync.Mutex
	history []string
	conns   map[io.Closer]struct{}
	commits int
}

// NewDevice 创建模拟设备
func NewDevice(cfg DeviceConfig) *Device {
	cfg = cfg.withDefaults()
	return &Device{
		cfg:   cfg,
		log:   logger.GetLogger().WithField("sim_device", cfg.Hostname),
		conns: make(map[io.Closer]struct{}),
	}
}

// Config 返回生效的设备配置
func (d *Device) Config() DeviceConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetCommitFailure 动态设置 commit 失败文本，空字符串表示恢复成功
func (d *Device) SetCommitFailure(text string) {
	d.mu.Lock()
	d.cfg.CommitFailure = text
	d.mu.Unlock()
}

// SetHangCommand 动态设置不做响应的命令，空字符串表示取消
func (d *Device) SetHangCommand(cmd string) {
	d.mu.Lock()
	d.cfg.HangCommand = cmd
	d.mu.Unlock()
}

// History 返回设备按顺序收到的命令行
func (d *Device) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.history...)
}

// Commits 成功 commit 的次数
func (d *Device) Commits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits
}

// Pipe 返回连接到该设备的内存连接
func (d *Device) Pipe() io.ReadWriteCloser {
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		_ = d.Serve(server)
	}()
	return client
}

// Disconnect 断开所有活动连接，模拟链路中断
func (d *Device) Disconnect() {
	d.mu.Lock()
	conns := make([]io.Closer, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// ActiveConns 当前活动连接数
func (d *Device) ActiveConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *Device) record(line string) {
	d.mu.Lock()
	d.history = append(d.history, line)
	d.mu.Unlock()
}

func (d *Device) hangCommand() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.HangCommand
}

func (d *Device) commitFailure() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.CommitFailure
}

// Serve 在读写流上运行 CLI，直到对端关闭或输入 exit
func (d *Device) Serve(rw io.ReadWriter) error {
	return d.serveWithReader(rw, newLineReader(rw))
}

func newLineReader(r io.Reader) *bufio.Reader {
	return bufio.NewReader(r)
}

func (d *Device) serveWithReader(rw io.ReadWriter, r *bufio.Reader) error {
	if c, ok := rw.(io.Closer); ok {
		d.mu.Lock()
		d.conns[c] = struct{}{}
		d.mu.Unlock()
		defer func() {
			d.mu.Lock()
			delete(d.conns, c)
			d.mu.Unlock()
		}()
	}

	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	sess := &cliSession{dev: d, cfg: cfg, w: rw, r: r}
	if cfg.UserSuffix == "" {
		sess.mode = modeEnable
	}
	return sess.run()
}

type cliSession struct {
	dev    *Device
	cfg    DeviceConfig
	w      io.Writer
	r      *bufio.Reader
	mode   cliMode
	lastCR bool
}

func (s *cliSession) prompt() string {
	switch s.mode {
	case modeUser:
		return s.cfg.Hostname + s.cfg.UserSuffix
	case modeConfig:
		return s.cfg.Hostname + s.cfg.ConfigSuffix
	default:
		return s.cfg.Hostname + s.cfg.EnableSuffix
	}
}

func (s *cliSession) write(text string) error {
	_, err := io.WriteString(s.w, text)
	return err
}

func (s *cliSession) printPrompt() error {
	banner := s.cfg.Banner
	if s.mode == modeConfig && s.cfg.ConfigBanner != "" {
		banner = s.cfg.ConfigBanner
	}
	if banner != "" {
		if err := s.write(banner + "\r\n"); err != nil {
			return err
		}
	}
	return s.write(s.prompt())
}

// readLine 读取一行输入，CR、LF 与 CRLF 均视为行结束
func (s *cliSession) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return sb.String(), err
		}
		switch b {
		case '\r':
			s.lastCR = true
			return sb.String(), nil
		case '\n':
			if s.lastCR {
				s.lastCR = false
				continue
			}
			return sb.String(), nil
		default:
			s.lastCR = false
			sb.WriteByte(b)
		}
	}
}

func (s *cliSession) run() error {
	if err := s.printPrompt(); err != nil {
		return err
	}
	for {
		line, err := s.readLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		cmd := strings.TrimSpace(line)
		s.dev.record(cmd)
		if !s.cfg.Silent {
			if err := s.write(line + "\r\n"); err != nil {
				return err
			}
		} else if err := s.write("\r\n"); err != nil {
			return err
		}

		if cmd != "" && cmd == s.dev.hangCommand() {
			s.dev.log.Debugf("hang on %q", cmd)
			continue
		}

		done, err := s.handle(cmd)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := s.printPrompt(); err != nil {
			return err
		}
	}
}

// handle 处理一条命令；返回 true 表示会话结束
func (s *cliSession) handle(cmd string) (bool, error) {
	if cmd == "" {
		return false, nil
	}
	switch s.mode {
	case modeUser:
		return s.handleUser(cmd)
	case modeConfig:
		return false, s.handleConfig(cmd)
	default:
		return s.handleEnable(cmd)
	}
}

func (s *cliSession) handleUser(cmd string) (bool, error) {
	switch {
	case strings.EqualFold(cmd, s.cfg.EnableCommand):
		return false, s.enable()
	case equalAny(cmd, "exit", "quit", "logout"):
		return true, nil
	default:
		return false, s.show(cmd)
	}
}

// enable 提示密码；PasswordRepeats 次内无论输入什么都再次提示
func (s *cliSession) enable() error {
	if s.cfg.EnablePassword == "" {
		s.mode = modeEnable
		return nil
	}
	repeats := s.cfg.PasswordRepeats
	for {
		if err := s.write("Password: "); err != nil {
			return err
		}
		pwd, err := s.readLine()
		if err != nil {
			return err
		}
		if err := s.write("\r\n"); err != nil {
			return err
		}
		if repeats > 0 {
			repeats--
			continue
		}
		if strings.TrimSpace(pwd) != s.cfg.EnablePassword {
			return s.write("% Access denied\r\n")
		}
		s.mode = modeEnable
		return nil
	}
}

func (s *cliSession) handleEnable(cmd string) (bool, error) {
	lower := strings.ToLower(cmd)
	switch {
	case equalAny(cmd, "exit", "quit", "logout"):
		return true, nil
	case strings.EqualFold(cmd, s.cfg.ConfigCommand):
		s.mode = modeConfig
		return false, nil
	case strings.EqualFold(cmd, "disable") && s.cfg.UserSuffix != "":
		s.mode = modeUser
		return false, nil
	case strings.HasPrefix(lower, "terminal ") || strings.HasPrefix(lower, "screen-length") || strings.HasPrefix(lower, "set cli"):
		return false, nil
	default:
		return false, s.show(cmd)
	}
}

func (s *cliSession) handleConfig(cmd string) error {
	lower := strings.ToLower(cmd)
	switch {
	case s.cfg.CommitCommand != "" && strings.EqualFold(cmd, s.cfg.CommitCommand):
		if text := s.dev.commitFailure(); text != "" {
			return s.write(ensureCRLF(text))
		}
		s.dev.mu.Lock()
		s.dev.commits++
		s.dev.mu.Unlock()
		return nil
	case strings.EqualFold(cmd, "show configuration failed"):
		return s.write(ensureCRLF(s.cfg.FailedDiagnostic))
	case strings.EqualFold(cmd, s.cfg.AbortCommand), equalAny(cmd, "end", "exit", "quit", "return"), strings.HasPrefix(lower, "exit "):
		s.mode = modeEnable
		return nil
	case strings.HasPrefix(lower, "invalid"), strings.HasPrefix(lower, "show"):
		return s.write(invalidInput + "\r\n")
	default:
		return nil
	}
}

// show 输出命令结果，按需分页
func (s *cliSession) show(cmd string) error {
	out, ok := s.cfg.Outputs[cmd]
	if !ok {
		return s.write(invalidInput + "\r\n")
	}
	lines := strings.Split(strings.TrimRight(cleanNewlines(out), "\n"), "\n")
	if s.cfg.PagerLines <= 0 || len(lines) <= s.cfg.PagerLines {
		return s.write(ensureCRLF(out))
	}
	for start := 0; start < len(lines); start += s.cfg.PagerLines {
		end := start + s.cfg.PagerLines
		if end > len(lines) {
			end = len(lines)
		}
		if err := s.write(strings.Join(lines[start:end], "\r\n") + "\r\n"); err != nil {
			return err
		}
		if end == len(lines) {
			break
		}
		if err := s.write(" --More-- "); err != nil {
			return err
		}
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		// 清除分页标记
		if err := s.write("\r          \r"); err != nil {
			return err
		}
		if b == 'q' || b == 'Q' {
			break
		}
	}
	return nil
}

// Commands 返回已配置输出的命令名，按字典序
func (d *Device) Commands() []string {
	names := make([]string, 0, len(d.cfg.Outputs))
	for k := range d.cfg.Outputs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func ensureCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	return s
}

func cleanNewlines(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\r", "\n")
}

func equalAny(s string, opts ...string) bool {
	for _, o := range opts {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(o)) {
			return true
		}
	}
	return false
}

// String 便于日志输出
func (d *Device) String() string {
	return fmt.Sprintf("%s(%d conns)", d.cfg.Hostname, d.ActiveConns())
}
