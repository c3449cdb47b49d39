package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Stream 基于 io.ReadWriteCloser 的缓冲连接
//
// 后台读协程持续把设备输出写入缓冲区，读取方按需取走。
// SSH、Telnet 与测试用的内存管道都复用该实现。
type Stream struct {
	address string
	rwc     io.ReadWriteCloser
	closers []io.Closer

	mu     sync.Mutex
	buf    bytes.Buffer
	err    error
	local  bool
	notify chan struct{}
	done   chan struct{}

	writeMu   sync.Mutex
	doneOnce  sync.Once
	closeOnce sync.Once
}

// NewStream 包装读写流并启动读协程，extra 为关闭时一并释放的底层资源
func NewStream(address string, rwc io.ReadWriteCloser, extra ...io.Closer) *Stream {
	s := &Stream{
		address: address,
		rwc:     rwc,
		closers: extra,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	chunk := make([]byte, 4096)
	for {
		n, err := s.rwc.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			if !s.local {
				s.buf.Write(chunk[:n])
			}
			s.mu.Unlock()
			s.signal()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(newError("read", s.address, ErrNetwork, errors.New("connection closed by remote")), false)
			} else {
				s.finish(newError("read", s.address, ErrNetwork, err), false)
			}
			return
		}
	}
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// finish 记录终止原因并关闭 done；本地关闭优先于读协程报告的错误
func (s *Stream) finish(err error, local bool) {
	s.mu.Lock()
	if s.err == nil || local {
		s.err = err
	}
	if local {
		s.local = true
		s.buf.Reset()
	}
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	s.signal()
}

// Address 返回目标地址
func (s *Stream) Address() string { return s.address }

// Write 写入原始字节
func (s *Stream) Write(p []byte) error {
	if err := s.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.rwc.Write(p); err != nil {
		if cerr := s.Err(); cerr != nil {
			return cerr
		}
		return newError("write", s.address, ErrNetwork, err)
	}
	return nil
}

// ReadAvailable 读取当前可用输出
func (s *Stream) ReadAvailable(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		s.mu.Lock()
		if s.local {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		if s.buf.Len() > 0 {
			out := bytes.Clone(s.buf.Bytes())
			s.buf.Reset()
			s.mu.Unlock()
			return out, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if timer == nil {
			return nil, newError("read", s.address, ErrReadTimeout, nil)
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-timer:
			return nil, newError("read", s.address, ErrReadTimeout, nil)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done 连接结束信号
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err 连接结束原因
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close 关闭连接并释放底层资源，重复调用返回 nil
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.finish(newError("read", s.address, ErrClosed, nil), true)
		err = s.rwc.Close()
		for _, c := range s.closers {
			err = multierr.Append(err, c.Close())
		}
		if err != nil && isBenignCloseError(err) {
			err = nil
		}
	})
	return err
}

func isBenignCloseError(err error) bool {
	for _, e := range multierr.Errors(err) {
		if !errors.Is(e, io.EOF) && !errors.Is(e, io.ErrClosedPipe) && !isNetClosed(e) {
			return false
		}
	}
	return true
}
