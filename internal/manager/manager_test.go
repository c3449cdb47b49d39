package manager

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/cisco_iosxr"
	"github.com/sshcollectorpro/clisession/internal/archive"
	"github.com/sshcollectorpro/clisession/internal/config"
	"github.com/sshcollectorpro/clisession/internal/journal"
	"github.com/sshcollectorpro/clisession/internal/model"
	"github.com/sshcollectorpro/clisession/pkg/cache"
	"github.com/sshcollectorpro/clisession/pkg/keepalive"
	"github.com/sshcollectorpro/clisession/pkg/session"
	"github.com/sshcollectorpro/clisession/pkg/transport"
	"github.com/sshcollectorpro/clisession/simulate"
)

type fixture struct {
	mgr     *Manager
	dev     *simulate.Device
	journal *journal.Journal
	dir     string
}

func newFixture(t *testing.T, opts ...func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	dev := simulate.NewDevice(simulate.DeviceConfig{
		Hostname:         "RP/0/RSP0/CPU0:xr1",
		CommitCommand:    "commit",
		FailedDiagnostic: "!! SEMANTIC ERRORS: invalid mtu 99999",
		Outputs:          map[string]string{"show version": "Cisco IOS XR Software, Version 7.3.2"},
	})

	j, err := journal.Open(journal.Config{Path: filepath.Join(dir, "journal.db")}, log)
	require.NoError(t, err)

	cfg := &config.Config{
		Session: config.SessionConfig{
			Timeouts:            session.Timeouts{Unit: 50 * time.Millisecond},
			MaxPasswordAttempts: 3,
		},
		Devices: []config.DeviceConfig{{ID: "xr1", Host: "sim", Platform: "cisco_iosxr", Protocol: "ssh"}},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	mgr := New(Deps{
		Config:  cfg,
		Logger:  log,
		Cache:   cache.NewMemory(time.Minute),
		Journal: j,
		Archive: archive.New(config.ArchiveConfig{
			Backend: "local",
			Local:   config.LocalArchiveConfig{BaseDir: dir, MkdirIfMissing: true},
		}, logrus.NewEntry(log)),
		Dial: func(ctx context.Context, dc config.DeviceConfig) (transport.Connection, error) {
			return transport.NewStream(dc.Address(), dev.Pipe()), nil
		},
	})
	t.Cleanup(func() {
		assert.NoError(t, mgr.CloseAll())
		_ = j.Close()
	})
	require.NoError(t, mgr.OpenAll(context.Background()))
	return &fixture{mgr: mgr, dev: dev, journal: j, dir: dir}
}

func count(history []string, cmd string) int {
	n := 0
	for _, h := range history {
		if h == cmd {
			n++
		}
	}
	return n
}

func TestExecuteUsesCache(t *testing.T) {
	f := newFixture(t)
	d, err := f.mgr.Get("xr1")
	require.NoError(t, err)

	st := d.Status()
	assert.Equal(t, "privileged", st.Mode)
	assert.Equal(t, "cisco_iosxr", st.Platform)
	assert.Equal(t, "disabled", st.Keepalive)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		out, err := d.Execute(ctx, "show version")
		require.NoError(t, err)
		assert.Equal(t, "Cisco IOS XR Software, Version 7.3.2", out)
	}
	assert.Equal(t, 1, count(f.dev.History(), "show version"))

	_, err = d.ExecuteAndRead(ctx, session.WriteCommand("clear counters"))
	assert.Error(t, err, "unknown command reports invalid input")
	_, err = d.Execute(ctx, "show version")
	require.NoError(t, err)
	assert.Equal(t, 2, count(f.dev.History(), "show version"), "write invalidates the cache")

	audits, err := f.journal.Audits(ctx, "xr1", 0)
	require.NoError(t, err)
	assert.Len(t, audits, 5)
}

func TestConfigureCommits(t *testing.T) {
	f := newFixture(t)
	d, err := f.mgr.Get("xr1")
	require.NoError(t, err)

	res, err := d.Configure(context.Background(), []string{"interface Gi0/0/0/0", "description uplink"}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Equal(t, session.Committed, res.Commit.Outcome)
	assert.Len(t, res.Outputs, 2)
	assert.Equal(t, 1, f.dev.Commits())
	assert.Equal(t, session.Privileged, d.Session().Mode())
}

func TestConfigureCommitFailureIsArchived(t *testing.T) {
	f := newFixture(t)
	d, err := f.mgr.Get("xr1")
	require.NoError(t, err)
	f.dev.SetCommitFailure("% Failed to commit one or more configuration items. Please issue 'show configuration failed' to view the errors")

	ctx := context.Background()
	res, err := d.Configure(ctx, []string{"interface Gi0/0/0/0", "mtu 99999"}, nil)
	var cfe *session.CommitFailedError
	require.True(t, errors.As(err, &cfe), "got %v", err)
	assert.Equal(t, session.Reverted, cfe.Outcome)
	require.NotNil(t, res.Commit)
	assert.Equal(t, session.Reverted, res.Commit.Outcome)
	assert.Contains(t, res.Commit.Diagnostic, "SEMANTIC ERRORS")
	require.NotNil(t, res.Archive)
	assert.Contains(t, res.Archive.URI, "commit-failure")
	assert.Equal(t, session.Privileged, d.Session().Mode())
	assert.Zero(t, f.dev.Commits())

	events, err := f.journal.Events(ctx, "xr1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventCommitFailed, events[0].Event)
	assert.Equal(t, "reverted", events[0].Status)

	// 失败后会话仍可用
	out, err := d.Execute(ctx, "show version")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestConfigureLineErrorAborts(t *testing.T) {
	f := newFixture(t)
	d, err := f.mgr.Get("xr1")
	require.NoError(t, err)

	_, err = d.Configure(context.Background(), []string{"interface Gi0/0/0/0", "invalid keyword"}, nil)
	var ce *session.CommandExecutionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "invalid keyword", ce.Command)
	assert.Equal(t, session.Privileged, d.Session().Mode())
	assert.Contains(t, f.dev.History(), "abort")
	assert.NotContains(t, f.dev.History(), "commit")
}

func TestConfigureDeadlineStillReverts(t *testing.T) {
	f := newFixture(t)
	d, err := f.mgr.Get("xr1")
	require.NoError(t, err)
	f.dev.SetHangCommand("mtu 1400")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	res, err := d.Configure(ctx, []string{"interface Gi0/0/0/0", "mtu 1400"}, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Nil(t, res.Commit)

	require.Eventually(t, func() bool {
		return count(f.dev.History(), "abort") == 1 && d.Session().Mode() == session.Privileged
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, d.Session().Status().Discarded)
	assert.Equal(t, 0, f.dev.Commits())

	f.dev.SetHangCommand("")
	out, err := d.Execute(context.Background(), "show version")
	require.NoError(t, err)
	assert.Contains(t, out, "IOS XR")
}

func TestGetUnknownDevice(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Get("nope")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Len(t, f.mgr.Devices(), 1)
}

func TestKeepaliveRestoresPrivilegedMode(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Keepalive = config.KeepaliveConfig{
			Enabled: true,
			Config: keepalive.Config{
				Delay:          50 * time.Millisecond,
				Timeout:        500 * time.Millisecond,
				InitialDelay:   10 * time.Millisecond,
				BackoffInitial: 20 * time.Millisecond,
				BackoffMax:     100 * time.Millisecond,
			},
		}
	})
	d, err := f.mgr.Get("xr1")
	require.NoError(t, err)

	f.dev.Disconnect()
	require.Eventually(t, func() bool {
		st := d.Status()
		return st.Reconnects >= 1 && st.Mode == "privileged" && st.Connected
	}, 5*time.Second, 20*time.Millisecond)

	out, err := d.Execute(context.Background(), "show version")
	require.NoError(t, err)
	assert.Contains(t, out, "IOS XR")

	events, err := f.journal.Events(context.Background(), "xr1", 50)
	require.NoError(t, err)
	var seen []string
	for _, ev := range events {
		seen = append(seen, ev.Event)
	}
	assert.Contains(t, seen, model.EventDisconnected)
}
