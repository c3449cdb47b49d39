package nokia_sros

import (
	"regexp"

	"github.com/sshcollectorpro/clisession/addone/platform"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Plugin 为 nokia_sros 平台插件（classic CLI，配置即时生效）
//
// 提示符 A:router#，配置上下文 A:router>config#，存在未保存配置时前缀 *。
type Plugin struct{}

var (
	configPrompt     = session.RegexpPredicate(regexp.MustCompile(`^\*?[AB]:[^>#]+>config[^#]*#$`))
	privilegedPrompt = session.RegexpPredicate(regexp.MustCompile(`^\*?[AB]:[^>#]+#$`))
)

func (p *Plugin) Name() string { return "nokia_sros" }

func (p *Plugin) Profile() session.Profile {
	return session.Profile{
		Name:               "nokia_sros",
		PromptSuffixes:     []string{"#"},
		PrivilegedPrompt:   privilegedPrompt,
		ConfigPrompt:       configPrompt,
		ConfigEnterCommand: "configure",
		ConfigExitCommand:  "exit all",
		AbortCommands:      []string{"exit all"},
		ErrorPatterns: session.MustPatterns(
			`(?m)^\s*(MINOR|MAJOR|CRITICAL): `,
			`(?im)^\s*Error: Bad command`,
			`(?im)^\s*Error:`,
		),
		AutoInteractions: []session.AutoInteraction{
			{Expect: regexp.MustCompile(`Press any key to continue \(Q to quit\)\s*$`), Send: " "},
		},
	}
}

func (p *Plugin) Strategy(sec platform.Secrets) session.InitializationStrategy {
	return &session.StandardStrategy{
		PrivilegedPrompt: privilegedPrompt,
		SetupCommands:    []string{"environment no more"},
	}
}

func init() {
	platform.Register("nokia_sros", &Plugin{})
}
