package cisco_iosxr

import (
	"regexp"

	"github.com/sshcollectorpro/clisession/addone/platform"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Plugin 为 cisco_iosxr 平台插件，两阶段提交
type Plugin struct{}

var (
	configPrompt     = session.RegexpPredicate(regexp.MustCompile(`\(config[^)]*\)#$`))
	privilegedPrompt = session.And(session.SuffixPredicate("#"), session.Not(configPrompt))
)

func (p *Plugin) Name() string { return "cisco_iosxr" }

func (p *Plugin) Profile() session.Profile {
	return session.Profile{
		Name:                    "cisco_iosxr",
		PromptSuffixes:          []string{"#"},
		PromptFilters:           []*regexp.Regexp{regexp.MustCompile(`^\w{3} \w{3} +\d+ \d{2}:\d{2}:\d{2}(\.\d+)? \w+$`)},
		PrivilegedPrompt:        privilegedPrompt,
		ConfigPrompt:            configPrompt,
		ConfigEnterCommand:      "configure terminal",
		ConfigExitCommand:       "end",
		CommitCommand:           "commit",
		AbortCommands:           []string{"abort"},
		CommitDiagnosticCommand: "show configuration failed",
		ErrorPatterns: session.MustPatterns(
			`(?im)^\s*% ?Invalid input detected`,
			`(?im)^\s*% ?Incomplete command`,
			`(?im)^\s*% ?Ambiguous command`,
		),
		CommitErrorPatterns: session.MustPatterns(
			`(?im)^\s*% ?Failed to commit`,
			`(?im)One or more commits have occurred from other`,
			`(?im)^\s*% ?Invalid input detected`,
		),
		AutoInteractions: []session.AutoInteraction{
			platform.Pager,
			{Expect: regexp.MustCompile(`(?i)Uncommitted changes found, commit them.*\[cancel\]:\s*$`), Send: "no\n"},
		},
	}
}

func (p *Plugin) Strategy(sec platform.Secrets) session.InitializationStrategy {
	return &session.StandardStrategy{
		PrivilegedPrompt: privilegedPrompt,
		SetupCommands:    []string{"terminal length 0", "terminal width 0"},
	}
}

func init() {
	platform.Register("cisco_iosxr", &Plugin{})
}
