package brocade

import (
	"regexp"

	"github.com/sshcollectorpro/clisession/addone/platform"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Plugin 为 brocade 平台插件（FastIron / ICX）
type Plugin struct{}

var (
	configPrompt     = session.RegexpPredicate(regexp.MustCompile(`\(config[^)]*\)#$`))
	privilegedPrompt = session.And(session.SuffixPredicate("#"), session.Not(configPrompt))
)

func (p *Plugin) Name() string { return "brocade" }

func (p *Plugin) Profile() session.Profile {
	return session.Profile{
		Name:               "brocade",
		PromptSuffixes:     []string{">", "#"},
		PrivilegedPrompt:   privilegedPrompt,
		ConfigPrompt:       configPrompt,
		ConfigEnterCommand: "configure terminal",
		ConfigExitCommand:  "end",
		AbortCommands:      []string{"end"},
		ErrorPatterns: session.MustPatterns(
			`(?i)Invalid input`,
			`(?im)^\s*Error -`,
			`(?i)Incomplete command`,
			`(?i)Unrecognized command`,
		),
		AutoInteractions: []session.AutoInteraction{platform.Pager},
	}
}

func (p *Plugin) Strategy(sec platform.Secrets) session.InitializationStrategy {
	return &session.StandardStrategy{
		PrivilegedPrompt: privilegedPrompt,
		EnableCommand:    "enable",
		EnablePassword:   sec.EnablePassword,
		SetupCommands:    []string{"skip-page-display"},
	}
}

func init() {
	platform.Register("brocade", &Plugin{})
}
