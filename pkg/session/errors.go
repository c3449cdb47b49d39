package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sshcollectorpro/clisession/pkg/logger"
	"github.com/sshcollectorpro/clisession/pkg/transport"
)

var (
	// ErrCommandTimeout 命令在超时内未返回提示符，属于传输层读超时
	ErrCommandTimeout = fmt.Errorf("command timeout: %w", transport.ErrReadTimeout)
	// ErrSessionDiscarded 回滚失败后会话被废弃，不可再用也不应重连
	ErrSessionDiscarded = errors.New("session discarded")
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("session closed")
	// ErrQueueClosed 命令队列已关闭
	ErrQueueClosed = errors.New("command queue closed")
	// ErrInvalidTransition 非法模式迁移
	ErrInvalidTransition = errors.New("invalid mode transition")
)

// excerpt 截取输出的首尾若干行用于错误信息
func excerpt(output string) string {
	lines := logger.ParseOutputLines(output, 3)
	if len(lines.HeadLines) == 0 {
		return ""
	}
	head := strings.Join(lines.HeadLines, " | ")
	if len(lines.TailLines) == 0 || strings.Join(lines.TailLines, " | ") == head {
		return head
	}
	return head + " ... " + strings.Join(lines.TailLines, " | ")
}

// SessionInitializationError 登录/初始化失败
type SessionInitializationError struct {
	Device string
	Output string
	Err    error
}

func (e *SessionInitializationError) Error() string {
	msg := fmt.Sprintf("device %s: session initialization failed: %v", e.Device, e.Err)
	if s := excerpt(e.Output); s != "" {
		msg += " (output: " + s + ")"
	}
	return msg
}

func (e *SessionInitializationError) Unwrap() error { return e.Err }

// ModeTransitionError 命令执行后提示符不满足目标模式
type ModeTransitionError struct {
	Device  string
	Command string
	From    Mode
	To      Mode
	Prompt  string
	Output  string
	Err     error
}

func (e *ModeTransitionError) Error() string {
	msg := fmt.Sprintf("device %s: command %q did not switch %s -> %s (prompt %q)", e.Device, e.Command, e.From, e.To, e.Prompt)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := excerpt(e.Output); s != "" {
		msg += " (output: " + s + ")"
	}
	return msg
}

func (e *ModeTransitionError) Unwrap() error { return e.Err }

// CommandExecutionError 设备输出命中错误正则
type CommandExecutionError struct {
	Device  string
	Command string
	// Reason 命中的错误文本
	Reason string
	Output string
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("device %s: command %q failed: %s", e.Device, e.Command, e.Reason)
}

// CommitFailedError 提交失败，Outcome 指明回滚结果
type CommitFailedError struct {
	Device     string
	Outcome    CommitOutcome
	Diagnostic string
	Err        error
}

func (e *CommitFailedError) Error() string {
	msg := fmt.Sprintf("device %s: commit failed (%s)", e.Device, e.Outcome)
	if e.Diagnostic != "" {
		msg += ": " + excerpt(e.Diagnostic)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommitFailedError) Unwrap() error { return e.Err }

// PromptResolutionError 多次探测后仍无法确定提示符
type PromptResolutionError struct {
	Device   string
	Attempts int
	Output   string
	Err      error
}

func (e *PromptResolutionError) Error() string {
	msg := fmt.Sprintf("device %s: unable to resolve prompt after %d attempts", e.Device, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := excerpt(e.Output); s != "" {
		msg += " (last output: " + s + ")"
	}
	return msg
}

func (e *PromptResolutionError) Unwrap() error { return e.Err }

// IsTransportError 判断是否为传输层错误（应由保活重连处理）
func IsTransportError(err error) bool {
	return transport.IsTransport(err) || errors.Is(err, ErrCommandTimeout)
}

// IsDeviceError 判断是否为设备返回的命令错误（不可重试）
func IsDeviceError(err error) bool {
	var ce *CommandExecutionError
	var cf *CommitFailedError
	return errors.As(err, &ce) || errors.As(err, &cf)
}

// IsPermanent 会话已废弃或认证失败，重连无意义
func IsPermanent(err error) bool {
	return errors.Is(err, ErrSessionDiscarded) || errors.Is(err, ErrSessionClosed) || transport.IsAuthFailure(err)
}
