package session

import (
	"fmt"
	"regexp"
	"time"
)

// Kind 命令类别
type Kind int

const (
	// Show 只读命令，可合并、可缓存
	Show Kind = iota
	// Write 修改设备状态的命令，严格按序执行且只执行一次
	Write
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}
	return "show"
}

// ParseKind 解析 show/write，其他值返回错误
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "show", "read":
		return Show, nil
	case "write", "config":
		return Write, nil
	default:
		return Show, fmt.Errorf("unknown command kind %q", s)
	}
}

// ErrorPatterns 有序的设备错误正则
type ErrorPatterns []*regexp.Regexp

// NoErrorPatterns 显式关闭错误扫描（与 nil 的"使用默认"区分）
var NoErrorPatterns = ErrorPatterns{}

// MustPatterns 编译正则列表，失败时 panic，用于包级初始化
func MustPatterns(exprs ...string) ErrorPatterns {
	out := make(ErrorPatterns, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// CompilePatterns 编译配置中的正则列表
func CompilePatterns(exprs []string) (ErrorPatterns, error) {
	out := make(ErrorPatterns, 0, len(exprs))
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("invalid error pattern %q: %w", e, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Match 返回第一个命中的文本；是否命中与正则顺序无关
func (p ErrorPatterns) Match(output string) (string, bool) {
	for _, re := range p {
		if m := re.FindString(output); m != "" {
			return m, true
		}
	}
	return "", false
}

// Command 一条待执行的命令
type Command struct {
	Text string
	Kind Kind
	// ErrorPatterns 覆盖会话默认错误正则；nil 表示使用默认
	ErrorPatterns ErrorPatterns
	// Timeout 为 0 时按 Kind 使用会话默认超时
	Timeout time.Duration
}

// ShowCommand 构造只读命令
func ShowCommand(text string) Command {
	return Command{Text: text, Kind: Show}
}

// WriteCommand 构造写命令
func WriteCommand(text string) Command {
	return Command{Text: text, Kind: Write}
}

// Output 命令执行结果
type Output struct {
	Command  string        `json:"command"`
	Text     string        `json:"output"`
	Raw      string        `json:"-"`
	Prompt   string        `json:"prompt"`
	Duration time.Duration `json:"duration"`
}
