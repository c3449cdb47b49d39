package ciena_saos

import (
	"github.com/sshcollectorpro/clisession/addone/platform"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Plugin 为 ciena_saos 平台插件（SAOS 6.x）
//
// 没有独立的配置模式，命令即时生效；提交即保存配置。
// 提示符 host>，存在未保存配置时为 host*>。
type Plugin struct{}

var privilegedPrompt = session.SuffixPredicate(">")

func (p *Plugin) Name() string { return "ciena_saos" }

func (p *Plugin) Profile() session.Profile {
	return session.Profile{
		Name:             "ciena_saos",
		PromptSuffixes:   []string{"*>", ">"},
		PrivilegedPrompt: privilegedPrompt,
		ConfigPrompt:     privilegedPrompt,
		ImplicitConfig:   true,
		CommitCommand:    "configuration save",
		ErrorPatterns: session.MustPatterns(
			`(?i)SHELL PARSER FAILURE`,
			`(?im)^\s*ERROR:`,
			`(?i)Invalid (input|command|parameter)`,
		),
		AutoInteractions: []session.AutoInteraction{platform.Pager},
	}
}

func (p *Plugin) Strategy(sec platform.Secrets) session.InitializationStrategy {
	return &session.StandardStrategy{
		PrivilegedPrompt: privilegedPrompt,
		SetupCommands:    []string{"system shell session set more off"},
	}
}

func init() {
	platform.Register("ciena_saos", &Plugin{})
}
