package transport_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/clisession/pkg/transport"
	"github.com/sshcollectorpro/clisession/simulate"
)

func startSimulator(t *testing.T) (sshAddr, telnetAddr string) {
	t.Helper()
	srv, err := simulate.NewServer(simulate.Config{
		Password: "nova",
		Devices: map[string]simulate.DeviceConfig{
			"r1": {Hostname: "R1", Outputs: map[string]string{"show clock": "12:00:00 UTC"}},
		},
	})
	require.NoError(t, err)
	sshAddr, err = srv.ListenSSH("127.0.0.1:0")
	require.NoError(t, err)
	telnetAddr, err = srv.ListenTelnet("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return sshAddr, telnetAddr
}

// readUntil 读取直到输出包含 want
func readUntil(t *testing.T, c transport.Connection, want string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var acc strings.Builder
	for !strings.Contains(acc.String(), want) {
		chunk, err := c.ReadAvailable(ctx, 100*time.Millisecond)
		if err != nil && ctx.Err() != nil {
			t.Fatalf("waiting for %q, got %q: %v", want, acc.String(), err)
		}
		acc.Write(chunk)
	}
	return acc.String()
}

func TestDialSSH(t *testing.T) {
	sshAddr, _ := startSimulator(t)
	ctx := context.Background()

	conn, err := transport.DialSSH(ctx, sshAddr, transport.Credentials{Username: "r1", Password: "nova"}, transport.SSHOptions{ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer conn.Close()

	readUntil(t, conn, "R1#")
	require.NoError(t, conn.Write([]byte("show clock\n")))
	out := readUntil(t, conn, "12:00:00 UTC")
	assert.Contains(t, out, "show clock")
	require.NoError(t, conn.Ping(ctx))

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Err(), transport.ErrClosed)
}

func TestDialSSHAuthFailure(t *testing.T) {
	sshAddr, _ := startSimulator(t)
	_, err := transport.DialSSH(context.Background(), sshAddr, transport.Credentials{Username: "r1", Password: "wrong"}, transport.SSHOptions{ConnectTimeout: 5 * time.Second})
	require.Error(t, err)
	assert.True(t, transport.IsAuthFailure(err), "密码错误应归类为认证失败: %v", err)
}

func TestDialTelnet(t *testing.T) {
	_, telnetAddr := startSimulator(t)
	opts := transport.TelnetOptions{ConnectTimeout: 5 * time.Second, LoginTimeout: 5 * time.Second}

	conn, err := transport.DialTelnet(context.Background(), telnetAddr, transport.Credentials{Username: "r1", Password: "nova"}, opts)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write([]byte("show clock\r\n")))
	readUntil(t, conn, "12:00:00 UTC")
}

func TestDialTelnetAuthFailure(t *testing.T) {
	_, telnetAddr := startSimulator(t)
	opts := transport.TelnetOptions{ConnectTimeout: 5 * time.Second, LoginTimeout: 5 * time.Second}

	_, err := transport.DialTelnet(context.Background(), telnetAddr, transport.Credentials{Username: "r1", Password: "wrong"}, opts)
	require.Error(t, err)
	assert.True(t, transport.IsAuthFailure(err), "重复出现登录提示应归类为认证失败: %v", err)
}

func TestDialRefused(t *testing.T) {
	_, err := transport.DialSSH(context.Background(), "127.0.0.1:1", transport.Credentials{Username: "x", Password: "y"}, transport.SSHOptions{ConnectTimeout: time.Second})
	require.Error(t, err)
	assert.True(t, transport.IsTransport(err))
	assert.False(t, transport.IsAuthFailure(err))
}
