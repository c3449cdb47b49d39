package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Executor 上层单元使用的命令执行接口
type Executor interface {
	Execute(ctx context.Context, command string) (string, error)
	ExecuteAndRead(ctx context.Context, cmd Command) (*Output, error)
}

// Future 异步命令结果
type Future struct {
	done chan struct{}
	out  *Output
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(out *Output, err error) {
	f.out, f.err = out, err
	close(f.done)
}

// Done 结果就绪时关闭
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait 等待结果；ctx 取消只影响等待，不撤销已入队的命令
func (f *Future) Wait(ctx context.Context) (*Output, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JobFunc 在队列执行权内运行的会话操作
type JobFunc func(ctx context.Context, s *Session) (*Output, error)

type job struct {
	ctx     context.Context
	name    string
	kind    Kind
	timeout time.Duration
	run     JobFunc
	fut     *Future
}

// QueueOptions 队列选项
type QueueOptions struct {
	// WriteCeiling 写命令的硬上限，默认为会话写超时
	WriteCeiling time.Duration
	// ShowCeiling 只读命令的硬上限，默认为会话只读超时
	ShowCeiling time.Duration
	Logger      *logrus.Entry
}

// Queue 单会话命令串行器：严格 FIFO，同一时刻只有一个任务在执行
type Queue struct {
	s    *Session
	opts QueueOptions
	log  *logrus.Entry

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*job
	closed  bool

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  singleflight.Group
}

// NewQueue 创建队列并启动工作协程
func NewQueue(s *Session, opts QueueOptions) *Queue {
	if opts.WriteCeiling <= 0 {
		opts.WriteCeiling = s.profile.Timeouts.Write
	}
	if opts.ShowCeiling <= 0 {
		opts.ShowCeiling = s.profile.Timeouts.Show
	}
	log := opts.Logger
	if log == nil {
		log = s.log
	}
	life, cancel := context.WithCancel(context.Background())
	q := &Queue{s: s, opts: opts, log: log, life: life, cancel: cancel}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.worker()
	return q
}

// Session 返回队列所属会话
func (q *Queue) Session() *Session { return q.s }

// Len 等待中的任务数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Submit 提交命令，按命令类别施加硬上限
func (q *Queue) Submit(ctx context.Context, cmd Command) *Future {
	ceiling := q.opts.ShowCeiling
	if cmd.Kind == Write {
		ceiling = q.opts.WriteCeiling
	}
	if cmd.Timeout > 0 && cmd.Timeout < ceiling {
		ceiling = cmd.Timeout
	}
	return q.enqueue(&job{
		ctx:     ctx,
		name:    cmd.Text,
		kind:    cmd.Kind,
		timeout: ceiling,
		run: func(ctx context.Context, s *Session) (*Output, error) {
			return s.Execute(ctx, cmd)
		},
	})
}

// Do 提交任意会话操作；timeout 为 0 表示只受 ctx 约束
func (q *Queue) Do(ctx context.Context, name string, timeout time.Duration, fn JobFunc) *Future {
	return q.enqueue(&job{ctx: ctx, name: name, kind: Write, timeout: timeout, run: fn})
}

func (q *Queue) enqueue(j *job) *Future {
	j.fut = newFuture()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		j.fut.complete(nil, ErrQueueClosed)
		return j.fut
	}
	q.pending = append(q.pending, j)
	q.cond.Signal()
	return j.fut
}

func (q *Queue) next() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return nil
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return j
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		j := q.next()
		if j == nil {
			return
		}
		q.runJob(j)
	}
}

func (q *Queue) runJob(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.fut.complete(nil, err)
		return
	}
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(q.life, cancel)
	defer stop()
	if j.timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, j.timeout)
		defer tcancel()
	}
	start := time.Now()
	out, err := j.run(ctx, q.s)
	if err != nil {
		q.log.Debugf("job %q (%s) failed after %s: %v", j.name, j.kind, time.Since(start), err)
	}
	j.fut.complete(out, err)
}

// Close 停止接收新任务，等待中的任务以 ErrQueueClosed 结束，执行中的任务被取消
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, j := range pending {
		j.fut.complete(nil, ErrQueueClosed)
	}
	q.cancel()
	q.wg.Wait()
}

// Execute 执行只读命令并返回输出；并发的相同命令合并为一次执行
func (q *Queue) Execute(ctx context.Context, command string) (string, error) {
	ch := q.group.DoChan(command, func() (interface{}, error) {
		return q.Submit(context.WithoutCancel(ctx), ShowCommand(command)).Wait(q.life)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		out, _ := res.Val.(*Output)
		if out == nil {
			return "", nil
		}
		return out.Text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ExecuteAndRead 执行命令；写命令不合并
func (q *Queue) ExecuteAndRead(ctx context.Context, cmd Command) (*Output, error) {
	return q.Submit(ctx, cmd).Wait(ctx)
}

// ExecuteAndSwitchPrompt 串行执行模式切换命令；上限包含超时后的一次提示符探测
func (q *Queue) ExecuteAndSwitchPrompt(ctx context.Context, cmd Command, predicate PromptPredicate) (*Output, error) {
	return q.Do(ctx, cmd.Text, 2*q.opts.WriteCeiling, func(ctx context.Context, s *Session) (*Output, error) {
		return s.ExecuteAndSwitchPrompt(ctx, cmd, predicate)
	}).Wait(ctx)
}

// Initialize 串行执行初始化
func (q *Queue) Initialize(ctx context.Context) error {
	_, err := q.Do(ctx, "initialize", 0, func(ctx context.Context, s *Session) (*Output, error) {
		return nil, s.Initialize(ctx)
	}).Wait(ctx)
	return err
}

// EnterConfigurationMode 串行进入配置模式
func (q *Queue) EnterConfigurationMode(ctx context.Context) error {
	_, err := q.Do(ctx, "enter-configuration", 2*q.opts.WriteCeiling, func(ctx context.Context, s *Session) (*Output, error) {
		return nil, s.EnterConfigurationMode(ctx)
	}).Wait(ctx)
	return err
}

// Commit 串行提交
func (q *Queue) Commit(ctx context.Context, commitPatterns ErrorPatterns) (*CommitResult, error) {
	results := make(chan *CommitResult, 1)
	_, err := q.Do(ctx, "commit", 0, func(ctx context.Context, s *Session) (*Output, error) {
		r, err := s.Commit(ctx, commitPatterns)
		results <- r
		return nil, err
	}).Wait(ctx)
	select {
	case r := <-results:
		return r, err
	default:
		return nil, err
	}
}

// Abort 串行放弃配置
func (q *Queue) Abort(ctx context.Context) error {
	_, err := q.Do(ctx, "abort", 0, func(ctx context.Context, s *Session) (*Output, error) {
		return nil, s.Abort(ctx)
	}).Wait(ctx)
	return err
}

// Reconnect 串行重连
func (q *Queue) Reconnect(ctx context.Context) error {
	_, err := q.Do(ctx, "reconnect", 0, func(ctx context.Context, s *Session) (*Output, error) {
		return nil, s.Reconnect(ctx)
	}).Wait(ctx)
	return err
}

// Probe 保活探测与普通命令共用同一队列
func (q *Queue) Probe(ctx context.Context, timeout time.Duration) error {
	_, err := q.Do(ctx, "keepalive", timeout, func(ctx context.Context, s *Session) (*Output, error) {
		return nil, s.Probe(ctx)
	}).Wait(ctx)
	return err
}

// ID 设备标识
func (q *Queue) ID() string { return q.s.id }
