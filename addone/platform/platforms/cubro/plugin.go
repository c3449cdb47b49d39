package cubro

import (
	"regexp"

	"github.com/sshcollectorpro/clisession/addone/platform"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Plugin 为 cubro 平台插件（Cubro 网络分流器），两阶段提交
type Plugin struct{}

var (
	configPrompt     = session.RegexpPredicate(regexp.MustCompile(`\(config[^)]*\)#$`))
	privilegedPrompt = session.And(session.SuffixPredicate("#"), session.Not(configPrompt))
)

func (p *Plugin) Name() string { return "cubro" }

func (p *Plugin) Profile() session.Profile {
	return session.Profile{
		Name:               "cubro",
		PromptSuffixes:     []string{">", "#"},
		PrivilegedPrompt:   privilegedPrompt,
		ConfigPrompt:       configPrompt,
		ConfigEnterCommand: "configure",
		ConfigExitCommand:  "end",
		CommitCommand:      "commit",
		AbortCommands:      []string{"abort"},
		ErrorPatterns: session.MustPatterns(
			`(?im)^\s*%? ?Error`,
			`(?i)Unknown command`,
			`(?i)Incomplete command`,
		),
		CommitErrorPatterns: session.MustPatterns(
			`(?im)^\s*%? ?Error`,
			`(?i)commit failed`,
		),
		AutoInteractions: []session.AutoInteraction{platform.Pager},
	}
}

func (p *Plugin) Strategy(sec platform.Secrets) session.InitializationStrategy {
	return &session.StandardStrategy{
		PrivilegedPrompt: privilegedPrompt,
		EnableCommand:    "enable",
		EnablePassword:   sec.EnablePassword,
		SetupCommands:    []string{"terminal length 0"},
	}
}

func init() {
	platform.Register("cubro", &Plugin{})
}
