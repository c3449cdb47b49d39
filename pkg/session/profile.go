package session

import (
	"regexp"
	"time"
)

// AutoInteraction 输出尾行命中 Expect 时自动发送 Send（如分页 --More-- 发送空格）
type AutoInteraction struct {
	Expect *regexp.Regexp
	Send   string
}

// Timeouts 会话超时设置，零值字段使用以 Unit 为基准的默认值
type Timeouts struct {
	// Unit 时间单位，默认 1s
	Unit time.Duration `mapstructure:"unit"`
	// PromptWindow 提示符探测的初始读取窗口，第 n 次尝试为 n 倍
	PromptWindow time.Duration `mapstructure:"prompt_window"`
	// PromptAttempts 提示符探测次数
	PromptAttempts int `mapstructure:"prompt_attempts"`
	// Poll 单次轮询读取的等待时间
	Poll time.Duration `mapstructure:"poll"`
	// Write 写命令及模式切换的上限
	Write time.Duration `mapstructure:"write"`
	// Show 只读命令的上限
	Show time.Duration `mapstructure:"show"`
}

// WithDefaults 填充默认值
func (t Timeouts) WithDefaults() Timeouts {
	if t.Unit <= 0 {
		t.Unit = time.Second
	}
	if t.PromptWindow <= 0 {
		t.PromptWindow = t.Unit
	}
	if t.PromptAttempts <= 0 {
		t.PromptAttempts = 5
	}
	if t.Poll <= 0 {
		t.Poll = t.Unit
	}
	if t.Write <= 0 {
		t.Write = 10 * t.Unit
	}
	if t.Show <= 0 {
		t.Show = 30 * t.Unit
	}
	return t
}

// Override 用 o 中的非零字段覆盖 t
func (t Timeouts) Override(o Timeouts) Timeouts {
	if o.Unit > 0 {
		t.Unit = o.Unit
	}
	if o.PromptWindow > 0 {
		t.PromptWindow = o.PromptWindow
	}
	if o.PromptAttempts > 0 {
		t.PromptAttempts = o.PromptAttempts
	}
	if o.Poll > 0 {
		t.Poll = o.Poll
	}
	if o.Write > 0 {
		t.Write = o.Write
	}
	if o.Show > 0 {
		t.Show = o.Show
	}
	return t
}

// Profile 设备类型相关的会话行为
type Profile struct {
	Name string
	// Newline 行结束符
	Newline string
	// PromptSuffixes 提示符结尾字符
	PromptSuffixes []string
	// PromptFilters 提示符探测时忽略的横幅行，如 Junos 的 {master}
	PromptFilters []*regexp.Regexp
	// PrivilegedPrompt 特权模式提示符判定
	PrivilegedPrompt PromptPredicate
	// ConfigPrompt 配置模式提示符判定
	ConfigPrompt PromptPredicate

	ConfigEnterCommand string
	// ImplicitConfig 设备没有独立的配置模式，写命令即时生效；进入与退出配置模式只改变会话状态
	ImplicitConfig bool
	// ConfigExitCommand 提交成功后退出配置模式
	ConfigExitCommand string
	// CommitCommand 为空表示退出配置模式即生效
	CommitCommand string
	// AbortCommands 放弃配置并回到特权模式，最后一条需切回特权提示符
	AbortCommands []string
	// CommitDiagnosticCommand 提交失败后读取失败原因
	CommitDiagnosticCommand string

	ErrorPatterns       ErrorPatterns
	CommitErrorPatterns ErrorPatterns
	AutoInteractions    []AutoInteraction

	Timeouts Timeouts
}

var defaultConfigPrompt = regexp.MustCompile(`\(config[^)]*\)#\s*$`)

// WithDefaults 填充通用默认值
func (p Profile) WithDefaults() Profile {
	if p.Name == "" {
		p.Name = "default"
	}
	if p.Newline == "" {
		p.Newline = "\n"
	}
	if len(p.PromptSuffixes) == 0 {
		p.PromptSuffixes = []string{">", "#", "$", "%", "]"}
	}
	if p.ConfigPrompt == nil {
		p.ConfigPrompt = RegexpPredicate(defaultConfigPrompt)
	}
	if p.PrivilegedPrompt == nil {
		p.PrivilegedPrompt = And(SuffixPredicate("#", ">", "]"), Not(p.ConfigPrompt))
	}
	if !p.ImplicitConfig {
		if p.ConfigEnterCommand == "" {
			p.ConfigEnterCommand = "configure terminal"
		}
		if p.ConfigExitCommand == "" {
			p.ConfigExitCommand = "end"
		}
		if len(p.AbortCommands) == 0 {
			p.AbortCommands = []string{"end"}
		}
	}
	p.Timeouts = p.Timeouts.WithDefaults()
	return p
}
