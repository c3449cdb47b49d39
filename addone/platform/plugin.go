// Package platform 设备类型插件：提示符、错误正则、配置提交命令与初始化策略。
// 各厂商实现位于 platforms 子目录，通过 init 注册。
package platform

import (
	"regexp"

	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Secrets 初始化策略需要的凭据
type Secrets struct {
	EnablePassword string
}

// Plugin 设备类型插件接口
type Plugin interface {
	// Name 插件名称（如：default、cisco_ios、junos）
	Name() string
	// Profile 返回该平台的会话行为
	Profile() session.Profile
	// Strategy 返回登录后的初始化策略
	Strategy(sec Secrets) session.InitializationStrategy
}

// Pager 常见分页提示，命中后发送空格
var Pager = session.AutoInteraction{
	Expect: regexp.MustCompile(`(?i)-{2,} ?\(?more\b[^\n]*$`),
	Send:   " ",
}

// DefaultPlugin 未知平台使用的通用插件，行为接近 Cisco 风格
type DefaultPlugin struct{}

func (p *DefaultPlugin) Name() string { return "default" }

func (p *DefaultPlugin) Profile() session.Profile {
	return session.Profile{
		Name: "default",
		ErrorPatterns: session.MustPatterns(
			`(?im)^\s*% ?(invalid|incomplete|ambiguous|unknown|unrecognized)`,
			`(?im)^\s*error:`,
		),
		AutoInteractions: []session.AutoInteraction{Pager},
	}
}

func (p *DefaultPlugin) Strategy(sec Secrets) session.InitializationStrategy {
	st := &session.StandardStrategy{
		PrivilegedPrompt: p.Profile().WithDefaults().PrivilegedPrompt,
	}
	if sec.EnablePassword != "" {
		st.EnableCommand = "enable"
		st.EnablePassword = sec.EnablePassword
	}
	return st
}
