package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPipeStream(t *testing.T) (*Stream, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	s := NewStream("pipe", client)
	t.Cleanup(func() {
		_ = s.Close()
		_ = server.Close()
	})
	return s, server
}

func TestStreamReadAvailable(t *testing.T) {
	s, server := newPipeStream(t)
	ctx := context.Background()

	_, err := s.ReadAvailable(ctx, 0)
	assert.ErrorIs(t, err, ErrReadTimeout, "无数据且不等待时立即超时")

	go func() { _, _ = server.Write([]byte("R1#")) }()
	out, err := s.ReadAvailable(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "R1#", string(out))

	start := time.Now()
	_, err = s.ReadAvailable(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestStreamWrite(t *testing.T) {
	s, server := newPipeStream(t)
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		got <- string(buf[:n])
	}()
	require.NoError(t, s.Write([]byte("show clock\n")))
	assert.Equal(t, "show clock\n", <-got)
}

func TestStreamCloseWakesReader(t *testing.T) {
	s, _ := newPipeStream(t)

	errc := make(chan error, 1)
	go func() {
		_, err := s.ReadAvailable(context.Background(), time.Minute)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
		assert.True(t, IsTransport(err))
	case <-time.After(time.Second):
		t.Fatal("关闭连接后阻塞的读取应立即返回")
	}
	assert.NoError(t, s.Close(), "重复关闭返回 nil")
	assert.ErrorIs(t, s.Write([]byte("x")), ErrClosed)
	<-s.Done()
}

func TestStreamRemoteClose(t *testing.T) {
	s, server := newPipeStream(t)
	require.NoError(t, server.Close())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("对端关闭后 Done 应被关闭")
	}
	assert.ErrorIs(t, s.Err(), ErrNetwork)
	_, err := s.ReadAvailable(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestStreamContextCancel(t *testing.T) {
	s, _ := newPipeStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ReadAvailable(ctx, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestIsTransport(t *testing.T) {
	assert.False(t, IsTransport(nil))
	assert.True(t, IsTransport(newError("dial", "h:22", ErrConnectTimeout, errors.New("i/o timeout"))))
	assert.True(t, IsTransport(net.ErrClosed))
	assert.False(t, IsTransport(errors.New("something else")))
	assert.True(t, IsAuthFailure(newError("login", "h:23", ErrAuthFailure, nil)))
}
