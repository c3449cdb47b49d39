package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/clisession/pkg/transport"
	"github.com/sshcollectorpro/clisession/simulate"
)

func newQueue(t *testing.T, dc simulate.DeviceConfig) (*Queue, *harness) {
	t.Helper()
	h := newHarness(t, dc, testProfile(), nil)
	q := NewQueue(h.s, QueueOptions{})
	t.Cleanup(q.Close)
	require.NoError(t, q.Initialize(context.Background()))
	return q, h
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

// writeRecorder 记录写入内容，并检测写入是否与另一条命令的收发重叠
type writeRecorder struct {
	transport.Connection

	mu       sync.Mutex
	writes   []string
	inFlight atomic.Int32
	overlaps atomic.Int32
}

func (w *writeRecorder) Write(p []byte) error {
	if w.inFlight.Add(1) > 1 {
		w.overlaps.Add(1)
	}
	defer w.inFlight.Add(-1)
	w.mu.Lock()
	w.writes = append(w.writes, string(p))
	w.mu.Unlock()
	// 拉长写入窗口
	time.Sleep(time.Millisecond)
	return w.Connection.Write(p)
}

func (w *writeRecorder) Writes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.writes...)
}

func TestQueueConcurrentCommandsDoNotInterleave(t *testing.T) {
	outputs := map[string]string{}
	for i := 0; i < 8; i++ {
		outputs[fmt.Sprintf("show interface %d", i)] = fmt.Sprintf("interface %d is up\nMTU %d bytes", i, 1500+i)
	}
	rec := &writeRecorder{}
	h := newWrappedHarness(t, simulate.DeviceConfig{Hostname: "R1", Outputs: outputs}, testProfile(), nil, func(c transport.Connection) transport.Connection {
		rec.Connection = c
		return rec
	})
	q := NewQueue(h.s, QueueOptions{})
	t.Cleanup(q.Close)
	require.NoError(t, q.Initialize(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := q.ExecuteAndRead(context.Background(), ShowCommand(fmt.Sprintf("show interface %d", i)))
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprintf("interface %d is up\nMTU %d bytes", i, 1500+i), out.Text)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, rec.overlaps.Load(), "传输层写入不得并发")
	var commands []string
	for _, w := range rec.Writes() {
		if strings.HasPrefix(w, "show interface") {
			assert.Equal(t, 1, strings.Count(w, "\n"), "每次写入恰好一条完整命令: %q", w)
			commands = append(commands, strings.TrimSpace(w))
		}
	}
	assert.Len(t, commands, 8)
	for i := 0; i < 8; i++ {
		assert.Equal(t, 1, count(h.dev.History(), fmt.Sprintf("show interface %d", i)))
	}
}

func TestQueueFIFO(t *testing.T) {
	q, h := newQueue(t, simulate.DeviceConfig{Hostname: "R1", Outputs: map[string]string{"show a": "a", "show b": "b", "show c": "c"}})

	started, release := make(chan struct{}), make(chan struct{})
	blocker := q.Do(context.Background(), "block", 0, func(ctx context.Context, s *Session) (*Output, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started
	ctx := context.Background()
	futures := []*Future{
		q.Submit(ctx, ShowCommand("show a")),
		q.Submit(ctx, WriteCommand("show b")),
		q.Submit(ctx, ShowCommand("show c")),
	}
	assert.Equal(t, 3, q.Len())
	close(release)
	_, err := blocker.Wait(ctx)
	require.NoError(t, err)
	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}

	var seen []string
	for _, c := range h.dev.History() {
		if c != "" {
			seen = append(seen, c)
		}
	}
	assert.Equal(t, []string{"show a", "show b", "show c"}, seen)
}

func TestQueueMergesIdenticalShowCommands(t *testing.T) {
	q, h := newQueue(t, simulate.DeviceConfig{Hostname: "R1", Outputs: map[string]string{"show version": "v1"}})

	release := make(chan struct{})
	q.Do(context.Background(), "block", 0, func(ctx context.Context, s *Session) (*Output, error) {
		<-release
		return nil, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := q.Execute(context.Background(), "show version")
			assert.NoError(t, err)
			assert.Equal(t, "v1", out)
		}()
	}
	time.Sleep(2 * unit)
	close(release)
	wg.Wait()
	assert.Equal(t, 1, count(h.dev.History(), "show version"))
}

func TestQueueCeilingCapsCommand(t *testing.T) {
	h := newHarness(t, simulate.DeviceConfig{Hostname: "R1", HangCommand: "hang"}, testProfile(), nil)
	q := NewQueue(h.s, QueueOptions{ShowCeiling: 2 * unit})
	defer q.Close()
	require.NoError(t, q.Initialize(context.Background()))

	start := time.Now()
	_, err := q.ExecuteAndRead(context.Background(), Command{Text: "hang", Timeout: time.Minute})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "命令超时不能超过队列上限")
}

func TestQueueCloseFailsPending(t *testing.T) {
	h := newHarness(t, simulate.DeviceConfig{Hostname: "R1"}, testProfile(), nil)
	q := NewQueue(h.s, QueueOptions{})
	require.NoError(t, q.Initialize(context.Background()))

	started := make(chan struct{})
	running := q.Do(context.Background(), "block", 0, func(ctx context.Context, s *Session) (*Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	pending := q.Submit(context.Background(), ShowCommand("show version"))

	q.Close()
	_, err := pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = running.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled, "执行中的任务被取消")

	_, err = q.Submit(context.Background(), ShowCommand("show version")).Wait(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	q.Close()
}

func TestQueueSkipsCanceledJobs(t *testing.T) {
	q, h := newQueue(t, simulate.DeviceConfig{Hostname: "R1", Outputs: map[string]string{"show a": "a"}})

	release := make(chan struct{})
	q.Do(context.Background(), "block", 0, func(ctx context.Context, s *Session) (*Output, error) {
		<-release
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	f := q.Submit(ctx, ShowCommand("show a"))
	cancel()
	close(release)

	<-f.Done()
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, count(h.dev.History(), "show a"))
}

func TestQueueConfigurationFlow(t *testing.T) {
	q, h := newQueue(t, configDevice())
	ctx := context.Background()

	require.NoError(t, q.EnterConfigurationMode(ctx))
	_, err := q.ExecuteAndRead(ctx, WriteCommand("hostname R1"))
	require.NoError(t, err)
	res, err := q.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, Committed, res.Outcome)
	assert.Equal(t, 1, h.dev.Commits())

	require.NoError(t, q.EnterConfigurationMode(ctx))
	require.NoError(t, q.Abort(ctx))
	assert.Equal(t, Privileged, q.Session().Mode())
	require.NoError(t, q.Probe(ctx, time.Second))
}
