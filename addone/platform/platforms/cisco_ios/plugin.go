package cisco_ios

import (
	"regexp"

	"github.com/sshcollectorpro/clisession/addone/platform"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Plugin 为 cisco_ios 平台插件（IOS / IOS-XE）
type Plugin struct{}

var (
	configPrompt     = session.RegexpPredicate(regexp.MustCompile(`\(config[^)]*\)#$`))
	privilegedPrompt = session.And(session.SuffixPredicate("#"), session.Not(configPrompt))
)

func (p *Plugin) Name() string { return "cisco_ios" }

func (p *Plugin) Profile() session.Profile {
	return session.Profile{
		Name:               "cisco_ios",
		PromptSuffixes:     []string{">", "#"},
		PrivilegedPrompt:   privilegedPrompt,
		ConfigPrompt:       configPrompt,
		ConfigEnterCommand: "configure terminal",
		ConfigExitCommand:  "end",
		AbortCommands:      []string{"end"},
		ErrorPatterns: session.MustPatterns(
			`(?im)^\s*% ?Invalid input detected`,
			`(?im)^\s*% ?Incomplete command`,
			`(?im)^\s*% ?Ambiguous command`,
			`(?im)^\s*% ?Unknown command`,
			`(?im)^\s*% ?Bad (mask|IP address)`,
			`(?im)^\s*% ?Unrecognized command`,
		),
		AutoInteractions: []session.AutoInteraction{platform.Pager},
	}
}

func (p *Plugin) Strategy(sec platform.Secrets) session.InitializationStrategy {
	return &session.StandardStrategy{
		PrivilegedPrompt: privilegedPrompt,
		EnableCommand:    "enable",
		EnablePassword:   sec.EnablePassword,
		SetupCommands:    []string{"terminal length 0", "terminal width 0"},
	}
}

func init() {
	platform.Register("cisco_ios", &Plugin{})
}
