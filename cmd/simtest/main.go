package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sshcollectorpro/clisession/internal/config"
	"github.com/sshcollectorpro/clisession/internal/manager"
	"github.com/sshcollectorpro/clisession/pkg/logger"
	"github.com/sshcollectorpro/clisession/pkg/session"

	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/cisco_ios"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/cisco_iosxr"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/huawei_vrp"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/junos"
)

// simtest 对单台设备（通常是模拟器）建立会话并执行命令，用于联调
func main() {
	host := flag.String("host", "127.0.0.1", "设备地址")
	port := flag.Int("port", 22001, "设备端口")
	protocol := flag.String("protocol", "ssh", "ssh | telnet")
	user := flag.String("user", "default", "用户名，模拟器按用户名选择设备")
	password := flag.String("password", "nova", "密码")
	enable := flag.String("enable", "", "enable 密码")
	plat := flag.String("platform", "cisco_ios", "设备平台")
	commands := flag.String("commands", "show version", "以分号分隔的只读命令")
	configure := flag.String("configure", "", "以分号分隔的配置行，非空时下发并提交")
	level := flag.String("log-level", "info", "日志级别")
	flag.Parse()

	if err := logger.Init(logger.Config{Level: *level, Format: "text", Output: "console"}); err != nil {
		fmt.Println("logger:", err)
		os.Exit(1)
	}

	cfg := &config.Config{
		Session: config.SessionConfig{Timeouts: session.Timeouts{Unit: time.Second}, MaxPasswordAttempts: 3},
		Devices: []config.DeviceConfig{{
			ID:             *user,
			Host:           *host,
			Port:           *port,
			Protocol:       *protocol,
			Platform:       *plat,
			Username:       *user,
			Password:       *password,
			EnablePassword: *enable,
		}},
	}
	cfg.SSH.ConnectTimeout = 5 * time.Second
	cfg.Telnet.ConnectTimeout = 5 * time.Second
	cfg.Telnet.LoginTimeout = 10 * time.Second
	if err := cfg.Validate(); err != nil {
		fmt.Println("config:", err)
		os.Exit(1)
	}

	mgr := manager.New(manager.Deps{Config: cfg, Logger: logger.GetLogger()})
	defer mgr.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := mgr.OpenAll(ctx); err != nil {
		fmt.Println("open:", err)
		os.Exit(1)
	}
	dev, err := mgr.Get(*user)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	st := dev.Status()
	fmt.Printf("connected: prompt=%q mode=%s\n", st.Prompt, st.Mode)

	for _, cmd := range split(*commands) {
		out, err := dev.Execute(ctx, cmd)
		if err != nil {
			fmt.Printf("%s error: %v\n", cmd, err)
			continue
		}
		fmt.Printf("%s output:\n%s\n", cmd, headLines(out, 10))
	}

	if lines := split(*configure); len(lines) > 0 {
		res, err := dev.Configure(ctx, lines, nil)
		if res != nil && res.Commit != nil {
			fmt.Printf("commit outcome: %s\n", res.Commit.Outcome)
			if res.Commit.Diagnostic != "" {
				fmt.Printf("diagnostic:\n%s\n", res.Commit.Diagnostic)
			}
		}
		if err != nil {
			fmt.Println("configure error:", err)
			os.Exit(2)
		}
	}
}

func split(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func headLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = append(lines[:n], fmt.Sprintf("... (%d more lines)", len(lines)-n))
	}
	return strings.Join(lines, "\n")
}
