package session

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
)

// Terminal 初始化策略可使用的会话操作，调用方已持有会话执行权
type Terminal interface {
	Device() string
	Newline() string
	// Prompt 最近一次识别的提示符
	Prompt() string
	// WriteLine 写入一行（自动追加换行符）
	WriteLine(ctx context.Context, line string) error
	// ReadUntil 读取直到尾行匹配任一正则，返回累计输出与命中的下标；timeout 为 0 时使用写命令超时
	ReadUntil(ctx context.Context, timeout time.Duration, patterns ...*regexp.Regexp) (string, int, error)
	ResolvePrompt(ctx context.Context) (string, error)
	Execute(ctx context.Context, cmd Command) (*Output, error)
	ExecuteAndSwitchPrompt(ctx context.Context, cmd Command, predicate PromptPredicate) (*Output, error)
	Log() *logrus.Entry
}

// InitializationStrategy 设备登录后的初始化（提权、关闭分页等）
type InitializationStrategy interface {
	Accept(ctx context.Context, t Terminal, newline string) error
}

// StrategyFunc 函数形式的初始化策略
type StrategyFunc func(ctx context.Context, t Terminal, newline string) error

func (f StrategyFunc) Accept(ctx context.Context, t Terminal, newline string) error {
	return f(ctx, t, newline)
}

var (
	defaultPasswordPrompt = regexp.MustCompile(`(?i)(password|secret)\s*:\s*$`)
	anyPrompt             = regexp.MustCompile(`[>#$%\]]\s*$`)
)

// StandardStrategy 通用初始化流程：退出系统 shell、前置命令、提权（有界密码循环）、终端设置
type StandardStrategy struct {
	// ShellPrompt 登录后处于系统 shell（如 Junos root 用户的 %）时执行 ShellCommand 进入 CLI
	ShellPrompt  PromptPredicate
	ShellCommand string
	// PreCommands 提权前执行
	PreCommands []string
	// PrivilegedPrompt 当前提示符已满足时跳过提权
	PrivilegedPrompt PromptPredicate
	EnableCommand    string
	EnablePassword   string
	// PasswordPrompt 默认匹配 Password:
	PasswordPrompt *regexp.Regexp
	// MaxPasswordAttempts 密码提示最多应答次数，默认 3
	MaxPasswordAttempts int
	// SetupCommands 进入特权模式后执行，如 terminal length 0
	SetupCommands []string
}

// Accept 实现 InitializationStrategy
func (st *StandardStrategy) Accept(ctx context.Context, t Terminal, newline string) error {
	prompt := t.Prompt()
	if st.ShellCommand != "" && st.ShellPrompt != nil && st.ShellPrompt(prompt) {
		out, err := t.ExecuteAndSwitchPrompt(ctx, ShowCommand(st.ShellCommand), And(Not(st.ShellPrompt), SuffixPredicate(">", "#")))
		if err != nil {
			return fmt.Errorf("leave shell: %w", err)
		}
		prompt = out.Prompt
	}
	for _, c := range st.PreCommands {
		out, err := t.ExecuteAndSwitchPrompt(ctx, ShowCommand(c), SuffixPredicate(">", "#", "]", "$", "%"))
		if err != nil {
			return fmt.Errorf("pre command %q: %w", c, err)
		}
		prompt = out.Prompt
	}

	if st.EnableCommand != "" && (st.PrivilegedPrompt == nil || !st.PrivilegedPrompt(prompt)) {
		if err := st.enable(ctx, t); err != nil {
			return err
		}
	}

	for _, c := range st.SetupCommands {
		if _, err := t.Execute(ctx, Command{Text: c, Kind: Show, ErrorPatterns: NoErrorPatterns}); err != nil {
			return fmt.Errorf("setup command %q: %w", c, err)
		}
	}
	return nil
}

// enable 只在尾行是密码提示时应答，超过上限即失败，避免设备反复提示时卡死
func (st *StandardStrategy) enable(ctx context.Context, t Terminal) error {
	passwordRe := st.PasswordPrompt
	if passwordRe == nil {
		passwordRe = defaultPasswordPrompt
	}
	maxAttempts := st.MaxPasswordAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	if err := t.WriteLine(ctx, st.EnableCommand); err != nil {
		return err
	}
	attempts := 0
	for {
		out, idx, err := t.ReadUntil(ctx, 0, passwordRe, anyPrompt)
		if err != nil {
			return fmt.Errorf("enable: %w", err)
		}
		if idx != 0 {
			t.Log().Debugf("enable finished after %d password prompts", attempts)
			return nil
		}
		if attempts >= maxAttempts {
			return fmt.Errorf("enable: password prompt repeated after %d attempts: %s", attempts, excerpt(out))
		}
		attempts++
		if err := t.WriteLine(ctx, st.EnablePassword); err != nil {
			return err
		}
	}
}
