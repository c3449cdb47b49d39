package junos

import (
	"regexp"

	"github.com/sshcollectorpro/clisession/addone/platform"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// Plugin 为 junos 平台插件
//
// 操作模式提示符 user@host>，配置模式 user@host#，配置模式上方带 [edit] 行，
// 双引擎设备带 {master} 行，配置模式下两者合为一行 {master:0}[edit]。
// root 用户登录后先处于 shell（%），需执行 cli。
type Plugin struct{}

var (
	privilegedPrompt = session.SuffixPredicate(">")
	configPrompt     = session.SuffixPredicate("#")
	shellPrompt      = session.SuffixPredicate("%", "$")
)

func (p *Plugin) Name() string { return "junos" }

func (p *Plugin) Profile() session.Profile {
	return session.Profile{
		Name:           "junos",
		PromptSuffixes: []string{">", "#", "%"},
		PromptFilters: []*regexp.Regexp{
			regexp.MustCompile(`^\{(master|backup|primary|secondary|linecard|hadoop)[^}]*\}(\[edit[^\]]*\])?$`),
			regexp.MustCompile(`^\[edit[^\]]*\]$`),
		},
		PrivilegedPrompt:        privilegedPrompt,
		ConfigPrompt:            configPrompt,
		ConfigEnterCommand:      "configure",
		ConfigExitCommand:       "exit configuration-mode",
		CommitCommand:           "commit",
		AbortCommands:           []string{"rollback 0", "exit configuration-mode"},
		CommitDiagnosticCommand: "show | compare",
		ErrorPatterns: session.MustPatterns(
			`(?im)^\s*syntax error`,
			`(?im)^\s*unknown command`,
			`(?im)^\s*error:`,
			`(?im)^\s*missing argument`,
			`(?im)^\s*invalid (value|interface|numeric)`,
		),
		CommitErrorPatterns: session.MustPatterns(
			`(?im)^\s*error:`,
			`(?im)commit failed`,
			`(?im)configuration check-out failed`,
		),
		AutoInteractions: []session.AutoInteraction{
			{Expect: regexp.MustCompile(`---\(more( \d+%)?\)---\s*$`), Send: " "},
			{Expect: regexp.MustCompile(`(?i)Exit with uncommitted changes\? \[yes,no\] \(yes\)\s*$`), Send: "yes\n"},
		},
	}
}

func (p *Plugin) Strategy(sec platform.Secrets) session.InitializationStrategy {
	return &session.StandardStrategy{
		ShellPrompt:      shellPrompt,
		ShellCommand:     "cli",
		PrivilegedPrompt: privilegedPrompt,
		SetupCommands:    []string{"set cli screen-length 0", "set cli screen-width 0", "set cli complete-on-space off"},
	}
}

func init() {
	platform.Register("junos", &Plugin{})
}
