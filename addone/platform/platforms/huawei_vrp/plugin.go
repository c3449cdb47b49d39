package huawei_vrp

import (
	"regexp"

	"github.com/sshcollectorpro/clisession/addone/platform"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Plugin 为 huawei_vrp 平台插件（VRP8 / CE 系列，两阶段提交）
//
// 用户视图 <HOST>，系统视图 [~HOST]，有未提交配置时为 [*HOST]。
type Plugin struct{}

var (
	privilegedPrompt = session.RegexpPredicate(regexp.MustCompile(`^<[^>]+>$`))
	configPrompt     = session.RegexpPredicate(regexp.MustCompile(`^\[[~*]?[^\]]+\]$`))
)

func (p *Plugin) Name() string { return "huawei_vrp" }

func (p *Plugin) Profile() session.Profile {
	return session.Profile{
		Name:               "huawei_vrp",
		PromptSuffixes:     []string{">", "]"},
		PrivilegedPrompt:   privilegedPrompt,
		ConfigPrompt:       configPrompt,
		ConfigEnterCommand: "system-view",
		ConfigExitCommand:  "return",
		CommitCommand:      "commit",
		// return 时设备询问是否提交未提交的配置，自动应答 N 即放弃
		AbortCommands:           []string{"return"},
		CommitDiagnosticCommand: "display configuration candidate",
		ErrorPatterns: session.MustPatterns(
			`(?m)^\s*Error:\s*(.+)`,
			`(?i)Unrecognized command`,
			`(?i)Incomplete command`,
			`(?i)Too many parameters`,
			`(?i)Wrong parameter`,
		),
		CommitErrorPatterns: session.MustPatterns(
			`(?m)^\s*Error:\s*(.+)`,
			`(?i)Failed to commit`,
		),
		AutoInteractions: []session.AutoInteraction{
			{Expect: regexp.MustCompile(`-{2,} More -{2,}\s*$`), Send: " "},
			{Expect: regexp.MustCompile(`(?i)Uncommitted configurations found.*\[Y\(yes\)/N\(no\)/C\(cancel\)\]:\s*$`), Send: "N\n"},
		},
	}
}

func (p *Plugin) Strategy(sec platform.Secrets) session.InitializationStrategy {
	return &session.StandardStrategy{
		PrivilegedPrompt: privilegedPrompt,
		SetupCommands:    []string{"screen-length 0 temporary"},
	}
}

func init() {
	platform.Register("huawei_vrp", &Plugin{})
}
