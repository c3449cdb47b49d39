package platform_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/clisession/addone/platform"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/brocade"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/ciena_saos"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/cisco_ios"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/cisco_iosxr"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/cubro"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/huawei_vrp"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/junos"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/nokia_sros"
	"github.com/sshcollectorpro/clisession/pkg/session"
	"github.com/sshcollectorpro/clisession/pkg/transport"
	"github.com/sshcollectorpro/clisession/simulate"
)

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{
		"brocade", "ciena_saos", "cisco_ios", "cisco_iosxr", "cubro",
		"default", "huawei_vrp", "junos", "nokia_sros",
	}, platform.Names())

	for _, name := range platform.Names() {
		p, ok := platform.Lookup(name)
		require.True(t, ok)
		assert.Equal(t, name, p.Name())
		assert.Equal(t, name, p.Profile().Name)
		assert.NotNil(t, p.Strategy(platform.Secrets{}), name)
	}

	assert.Equal(t, "default", platform.Get("vendor_x").Name(), "未知平台回退到 default")
	_, ok := platform.Lookup("vendor_x")
	assert.False(t, ok)
}

func TestPromptPredicates(t *testing.T) {
	cases := []struct {
		platform   string
		privileged []string
		config     []string
		neither    []string
	}{
		{"cisco_ios", []string{"R1#"}, []string{"R1(config)#", "R1(config-if)#"}, []string{"R1>"}},
		{"cisco_iosxr", []string{"RP/0/RSP0/CPU0:xr1#"}, []string{"RP/0/RSP0/CPU0:xr1(config)#"}, nil},
		{"junos", []string{"lab@mx1>"}, []string{"lab@mx1#"}, []string{"root@mx1:~ %"}},
		{"huawei_vrp", []string{"<HW>"}, []string{"[~HW]", "[*HW-GigabitEthernet0/0/1]", "[HW]"}, nil},
		{"nokia_sros", []string{"A:r1#", "*A:r1#"}, []string{"A:r1>config#", "*A:r1>config>router#"}, nil},
		{"brocade", []string{"SSH@ICX#"}, []string{"SSH@ICX(config)#"}, []string{"SSH@ICX>"}},
		{"cubro", []string{"cubro#"}, []string{"cubro(config)#"}, []string{"cubro>"}},
		{"ciena_saos", []string{"saos>", "saos*>"}, nil, nil},
	}
	for _, c := range cases {
		p := platform.Get(c.platform).Profile().WithDefaults()
		for _, prompt := range c.privileged {
			assert.True(t, p.PrivilegedPrompt(prompt), "%s privileged %q", c.platform, prompt)
			if !p.ImplicitConfig {
				assert.False(t, p.ConfigPrompt(prompt), "%s config %q", c.platform, prompt)
			}
		}
		for _, prompt := range c.config {
			assert.True(t, p.ConfigPrompt(prompt), "%s config %q", c.platform, prompt)
			assert.False(t, p.PrivilegedPrompt(prompt), "%s privileged %q", c.platform, prompt)
		}
		for _, prompt := range c.neither {
			assert.False(t, p.PrivilegedPrompt(prompt), "%s privileged %q", c.platform, prompt)
		}
	}
}

func TestErrorPatterns(t *testing.T) {
	ios := platform.Get("cisco_ios").Profile()
	_, ok := ios.ErrorPatterns.Match("show ip route vrf\n% Invalid input detected at '^' marker.")
	assert.True(t, ok)

	vrp := platform.Get("huawei_vrp").Profile()
	_, ok = vrp.ErrorPatterns.Match("Error: Unrecognized command found at '^' position.")
	assert.True(t, ok)

	junos := platform.Get("junos").Profile()
	reason, ok := junos.CommitErrorPatterns.Match("error: configuration check-out failed")
	assert.True(t, ok)
	assert.Contains(t, reason, "error:")
}

func TestDefaultPluginEnable(t *testing.T) {
	st, ok := platform.Get("default").Strategy(platform.Secrets{}).(*session.StandardStrategy)
	require.True(t, ok)
	assert.Empty(t, st.EnableCommand, "未配置 enable 密码时不提权")

	st, ok = platform.Get("default").Strategy(platform.Secrets{EnablePassword: "x"}).(*session.StandardStrategy)
	require.True(t, ok)
	assert.Equal(t, "enable", st.EnableCommand)
}

// TestJunosSession 带 {master} 横幅的 Junos 设备完整走一遍初始化、执行与提交
func TestJunosSession(t *testing.T) {
	dev := simulate.NewDevice(simulate.DeviceConfig{
		Hostname:      "lab@mx1",
		EnableSuffix:  ">",
		ConfigSuffix:  "#",
		ConfigCommand: "configure",
		CommitCommand: "commit",
		Banner:        "{master}",
		Outputs:       map[string]string{"show version": "Junos: 21.4R3-S4"},
	})
	plugin := platform.Get("junos")
	profile := plugin.Profile()
	profile.Timeouts = session.Timeouts{Unit: 50 * time.Millisecond}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	s, err := session.New(session.Options{
		ID: "mx1",
		Dial: func(ctx context.Context) (transport.Connection, error) {
			return transport.NewStream("sim", dev.Pipe()), nil
		},
		Profile:  profile,
		Strategy: plugin.Strategy(platform.Secrets{}),
		Logger:   logrus.NewEntry(log),
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, "lab@mx1>", s.Prompt())
	assert.Contains(t, dev.History(), "set cli screen-length 0")

	out, err := s.Execute(ctx, session.ShowCommand("show version"))
	require.NoError(t, err)
	assert.Equal(t, "Junos: 21.4R3-S4", out.Text, "横幅行不属于输出")

	require.NoError(t, s.EnterConfigurationMode(ctx))
	assert.Equal(t, "lab@mx1#", s.Prompt())
	res, err := s.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, session.Committed, res.Outcome)
	assert.Equal(t, session.Privileged, s.Mode())
	assert.Equal(t, 1, dev.Commits())
}

func TestJunosBannerFilters(t *testing.T) {
	filters := platform.Get("junos").Profile().PromptFilters
	matched := func(line string) bool {
		for _, re := range filters {
			if re.MatchString(line) {
				return true
			}
		}
		return false
	}
	for _, line := range []string{"{master}", "{master:0}", "{backup:1}", "[edit]", "[edit interfaces ge-0/0/0]", "{master}[edit]", "{master:0}[edit protocols bgp]"} {
		assert.True(t, matched(line), line)
	}
	for _, line := range []string{"lab@mx1>", "lab@mx1#", "{master:0}lab@mx1#"} {
		assert.False(t, matched(line), line)
	}
}

// TestJunosDualEngineConfigPrompt 双引擎设备配置模式下横幅与 [edit] 合为一行
func TestJunosDualEngineConfigPrompt(t *testing.T) {
	dev := simulate.NewDevice(simulate.DeviceConfig{
		Hostname:      "lab@mx1",
		EnableSuffix:  ">",
		ConfigSuffix:  "#",
		ConfigCommand: "configure",
		Banner:        "{master:0}",
		ConfigBanner:  "{master:0}[edit]",
	})
	conn := transport.NewStream("sim", dev.Pipe())
	defer conn.Close()

	r := &session.PromptResolver{
		Device:  "mx1",
		Newline: "\n",
		Filters: platform.Get("junos").Profile().PromptFilters,
		Window:  50 * time.Millisecond,
	}
	ctx := context.Background()
	prompt, err := r.Resolve(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "lab@mx1>", prompt)

	require.NoError(t, conn.Write([]byte("configure\n")))
	prompt, err = r.Resolve(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "lab@mx1#", prompt)
}
