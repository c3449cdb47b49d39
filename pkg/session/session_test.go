package session

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sshcollectorpro/clisession/pkg/transport"
	"github.com/sshcollectorpro/clisession/simulate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const unit = 50 * time.Millisecond

var testConfigPrompt = RegexpPredicate(regexp.MustCompile(`\(config[^)]*\)#$`))

func testProfile() Profile {
	return Profile{
		Name:                    "test",
		PrivilegedPrompt:        And(SuffixPredicate("#"), Not(testConfigPrompt)),
		ConfigPrompt:            testConfigPrompt,
		CommitCommand:           "commit",
		AbortCommands:           []string{"abort"},
		CommitDiagnosticCommand: "show configuration failed",
		ErrorPatterns:           MustPatterns(`(?m)^% ?Invalid input.*$`),
		CommitErrorPatterns:     MustPatterns(`(?m)^% ?Failed to commit.*$`, `(?m)^% ?Invalid input.*$`),
		AutoInteractions:        []AutoInteraction{{Expect: regexp.MustCompile(`--More--\s*$`), Send: " "}},
		Timeouts:                Timeouts{Unit: unit},
	}
}

type harness struct {
	s     *Session
	dev   *simulate.Device
	dials atomic.Int32
}

func newHarness(t *testing.T, dc simulate.DeviceConfig, p Profile, strategy InitializationStrategy) *harness {
	t.Helper()
	return newWrappedHarness(t, dc, p, strategy, nil)
}

// newWrappedHarness wrap 非空时包装每次拨号得到的连接
func newWrappedHarness(t *testing.T, dc simulate.DeviceConfig, p Profile, strategy InitializationStrategy, wrap func(transport.Connection) transport.Connection) *harness {
	t.Helper()
	h := &harness{dev: simulate.NewDevice(dc)}
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	s, err := New(Options{
		ID:      "dut",
		Address: "sim",
		Dial: func(ctx context.Context) (transport.Connection, error) {
			h.dials.Add(1)
			var conn transport.Connection = transport.NewStream("sim", h.dev.Pipe())
			if wrap != nil {
				conn = wrap(conn)
			}
			return conn, nil
		},
		Profile:  p,
		Strategy: strategy,
		Logger:   logrus.NewEntry(log),
	})
	require.NoError(t, err)
	h.s = s
	t.Cleanup(func() { _ = s.Close() })
	return h
}

func initialized(t *testing.T, dc simulate.DeviceConfig) *harness {
	t.Helper()
	h := newHarness(t, dc, testProfile(), nil)
	require.NoError(t, h.s.Initialize(context.Background()))
	return h
}

func TestInitializeAndExecute(t *testing.T) {
	h := initialized(t, simulate.DeviceConfig{
		Hostname: "R1",
		Outputs:  map[string]string{"show clock": "*12:00:00.000 UTC Mon Oct 19 2026"},
	})
	assert.Equal(t, Privileged, h.s.Mode())
	assert.Equal(t, "R1#", h.s.Prompt())

	out, err := h.s.Execute(context.Background(), ShowCommand("show clock"))
	require.NoError(t, err)
	assert.Equal(t, "*12:00:00.000 UTC Mon Oct 19 2026", out.Text)
	assert.Equal(t, "R1#", out.Prompt)
	assert.Equal(t, "show clock", h.s.Status().LastCommand)
}

func TestExecuteDetectsDeviceError(t *testing.T) {
	h := initialized(t, simulate.DeviceConfig{Hostname: "R1"})

	out, err := h.s.Execute(context.Background(), WriteCommand("frobnicate"))
	var ce *CommandExecutionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "Invalid input")
	assert.NotNil(t, out, "设备错误时仍返回输出")
	assert.True(t, IsDeviceError(err))
	assert.False(t, IsTransportError(err))

	_, err = h.s.Execute(context.Background(), Command{Text: "frobnicate", Kind: Write, ErrorPatterns: NoErrorPatterns})
	assert.NoError(t, err, "显式关闭错误扫描")
	assert.Equal(t, Privileged, h.s.Mode(), "设备错误不改变模式")
}

func TestExecuteAnswersPager(t *testing.T) {
	h := initialized(t, simulate.DeviceConfig{
		Hostname:   "R1",
		PagerLines: 2,
		Outputs:    map[string]string{"show log": "l1\nl2\nl3\nl4\nl5"},
	})
	out, err := h.s.Execute(context.Background(), ShowCommand("show log"))
	require.NoError(t, err)
	for _, l := range []string{"l1", "l2", "l3", "l4", "l5"} {
		assert.Contains(t, out.Text, l)
	}
	assert.NotContains(t, out.Text, "More")
}

func TestExecuteTimeout(t *testing.T) {
	h := initialized(t, simulate.DeviceConfig{Hostname: "R1", HangCommand: "hang"})

	start := time.Now()
	_, err := h.s.Execute(context.Background(), Command{Text: "hang", Timeout: 2 * unit})
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.True(t, IsTransportError(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCloseInterruptsExecute(t *testing.T) {
	h := initialized(t, simulate.DeviceConfig{Hostname: "R1", HangCommand: "hang"})

	errc := make(chan error, 1)
	go func() {
		_, err := h.s.Execute(context.Background(), Command{Text: "hang", Timeout: time.Minute})
		errc <- err
	}()
	time.Sleep(2 * unit)
	require.NoError(t, h.s.Close())

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close 应立即唤醒执行中的命令")
	}
	_, err := h.s.Execute(context.Background(), ShowCommand("show clock"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, IsPermanent(err))
}

func TestReconnectAfterDisconnect(t *testing.T) {
	h := initialized(t, simulate.DeviceConfig{Hostname: "R1", Outputs: map[string]string{"show clock": "now"}})

	h.dev.Disconnect()
	require.Eventually(t, func() bool { return !h.s.Status().Connected }, time.Second, 10*time.Millisecond)

	_, err := h.s.Execute(context.Background(), ShowCommand("show clock"))
	require.Error(t, err)
	assert.True(t, IsTransportError(err))

	require.NoError(t, h.s.Reconnect(context.Background()))
	assert.Equal(t, Privileged, h.s.Mode())
	assert.Equal(t, 1, h.s.Reconnects())
	assert.Equal(t, int32(2), h.dials.Load())

	out, err := h.s.Execute(context.Background(), ShowCommand("show clock"))
	require.NoError(t, err)
	assert.Equal(t, "now", out.Text)
}

func TestInitializeDialFailure(t *testing.T) {
	s, err := New(Options{
		ID: "dut",
		Dial: func(ctx context.Context) (transport.Connection, error) {
			return nil, &transport.Error{Op: "dial", Address: "sim", Err: transport.ErrAuthFailure}
		},
		Profile: testProfile(),
	})
	require.NoError(t, err)
	defer s.Close()

	err = s.Initialize(context.Background())
	var ie *SessionInitializationError
	require.ErrorAs(t, err, &ie)
	assert.True(t, IsPermanent(err), "认证失败不应重试")
	assert.Equal(t, Unauthenticated, s.Mode())
}

func TestProbe(t *testing.T) {
	h := initialized(t, simulate.DeviceConfig{Hostname: "R1"})
	require.NoError(t, h.s.Probe(context.Background()))
	h.dev.Disconnect()
	require.Eventually(t, func() bool { return h.s.Probe(context.Background()) != nil }, time.Second, 10*time.Millisecond)
}

func TestStrategyEnableWithRepeatedPasswordPrompts(t *testing.T) {
	dc := simulate.DeviceConfig{Hostname: "edge-sw", UserSuffix: ">", EnablePassword: "s3cret", PasswordRepeats: 2}
	p := testProfile()
	strategy := &StandardStrategy{
		PrivilegedPrompt:    p.PrivilegedPrompt,
		EnableCommand:       "enable",
		EnablePassword:      "s3cret",
		MaxPasswordAttempts: 3,
		SetupCommands:       []string{"terminal length 0"},
	}
	h := newHarness(t, dc, p, strategy)
	require.NoError(t, h.s.Initialize(context.Background()))
	assert.Equal(t, "edge-sw#", h.s.Prompt())
	assert.Contains(t, h.dev.History(), "terminal length 0")
	assert.NotContains(t, h.s.Status().LastCommand, "s3cret")
}

func TestStrategyEnableGivesUpAfterMaxAttempts(t *testing.T) {
	dc := simulate.DeviceConfig{Hostname: "edge-sw", UserSuffix: ">", EnablePassword: "s3cret", PasswordRepeats: 2}
	p := testProfile()
	strategy := &StandardStrategy{
		PrivilegedPrompt:    p.PrivilegedPrompt,
		EnableCommand:       "enable",
		EnablePassword:      "s3cret",
		MaxPasswordAttempts: 2,
	}
	h := newHarness(t, dc, p, strategy)
	err := h.s.Initialize(context.Background())
	var ie *SessionInitializationError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, err.Error(), "password prompt repeated")
	assert.Equal(t, Unauthenticated, h.s.Mode())
}

func TestStrategyWrongPasswordNotPrivileged(t *testing.T) {
	dc := simulate.DeviceConfig{Hostname: "edge-sw", UserSuffix: ">", EnablePassword: "s3cret"}
	p := testProfile()
	strategy := &StandardStrategy{PrivilegedPrompt: p.PrivilegedPrompt, EnableCommand: "enable", EnablePassword: "wrong"}
	h := newHarness(t, dc, p, strategy)
	err := h.s.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not privileged")
}

func TestStrategyFunc(t *testing.T) {
	called := false
	strategy := StrategyFunc(func(ctx context.Context, term Terminal, newline string) error {
		called = true
		assert.Equal(t, "R1#", term.Prompt())
		_, err := term.Execute(ctx, Command{Text: "terminal width 0", ErrorPatterns: NoErrorPatterns})
		return err
	})
	h := newHarness(t, simulate.DeviceConfig{Hostname: "R1"}, testProfile(), strategy)
	require.NoError(t, h.s.Initialize(context.Background()))
	assert.True(t, called)
}

func TestStrategyErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	strategy := StrategyFunc(func(ctx context.Context, term Terminal, newline string) error { return boom })
	h := newHarness(t, simulate.DeviceConfig{Hostname: "R1"}, testProfile(), strategy)
	err := h.s.Initialize(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestResolveIsIdempotent(t *testing.T) {
	h := initialized(t, simulate.DeviceConfig{Hostname: "R1"})
	for i := 0; i < 3; i++ {
		prompt, err := h.s.resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "R1#", prompt)
	}
	assert.Equal(t, Privileged, h.s.Mode())
}

func TestWriteLeavesModeUnchanged(t *testing.T) {
	h := initialized(t, simulate.DeviceConfig{
		Hostname: "R1",
		Outputs:  map[string]string{"clear counters": "Clear \"show interface\" counters on all interfaces"},
	})
	out, err := h.s.Execute(context.Background(), WriteCommand("clear counters"))
	require.NoError(t, err)
	assert.Contains(t, out.Text, "counters on all interfaces")
	assert.Equal(t, Privileged, h.s.Mode())
	assert.Equal(t, "R1#", h.s.Prompt())
}
