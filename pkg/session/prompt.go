package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/sshcollectorpro/clisession/pkg/transport"
)

// PromptPredicate 判断提示符是否属于某个模式
type PromptPredicate func(prompt string) bool

// SuffixPredicate 提示符以任一后缀结尾
func SuffixPredicate(suffixes ...string) PromptPredicate {
	return func(prompt string) bool {
		p := strings.TrimSpace(prompt)
		for _, s := range suffixes {
			if strings.HasSuffix(p, s) {
				return true
			}
		}
		return false
	}
}

// RegexpPredicate 提示符匹配正则
func RegexpPredicate(re *regexp.Regexp) PromptPredicate {
	return func(prompt string) bool {
		return re.MatchString(strings.TrimSpace(prompt))
	}
}

// Not 取反
func Not(p PromptPredicate) PromptPredicate {
	return func(prompt string) bool { return !p(prompt) }
}

// And 全部满足
func And(ps ...PromptPredicate) PromptPredicate {
	return func(prompt string) bool {
		for _, p := range ps {
			if !p(prompt) {
				return false
			}
		}
		return true
	}
}

// PromptResolver 通过发送两次换行并比较回显来确定当前提示符
type PromptResolver struct {
	Device   string
	Newline  string
	Filters  []*regexp.Regexp
	Window   time.Duration
	Attempts int
}

// Resolve 第 n 次尝试读取 n 倍窗口的输出；剩余恰好两行且相同即为提示符
func (r *PromptResolver) Resolve(ctx context.Context, conn transport.Connection) (string, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 5
	}
	window := r.Window
	if window <= 0 {
		window = time.Second
	}

	var last string
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := drain(ctx, conn); err != nil {
			return "", err
		}
		if err := conn.Write([]byte(r.Newline + r.Newline)); err != nil {
			return "", err
		}
		raw, err := collect(ctx, conn, time.Duration(attempt)*window)
		if err != nil {
			return "", err
		}
		last = decode(raw)
		if prompt, ok := r.pick(last); ok {
			return prompt, nil
		}
	}
	return "", &PromptResolutionError{Device: r.Device, Attempts: attempts, Output: last}
}

// pick 过滤空行与横幅后判断是否恰好剩下两行相同的提示符
func (r *PromptResolver) pick(text string) (string, bool) {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || r.filtered(line) {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 2 && lines[0] == lines[1] {
		return lines[0], true
	}
	return "", false
}

func (r *PromptResolver) filtered(line string) bool {
	for _, re := range r.Filters {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// drain 丢弃已缓冲的旧输出
func drain(ctx context.Context, conn transport.Connection) error {
	for {
		_, err := conn.ReadAvailable(ctx, 0)
		if err == nil {
			continue
		}
		if errors.Is(err, transport.ErrReadTimeout) {
			return nil
		}
		return err
	}
}

// collect 在整个窗口内持续读取
func collect(ctx context.Context, conn transport.Connection, window time.Duration) ([]byte, error) {
	deadline := time.Now().Add(window)
	var acc []byte
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return acc, nil
		}
		chunk, err := conn.ReadAvailable(ctx, remaining)
		if err != nil {
			if errors.Is(err, transport.ErrReadTimeout) {
				return acc, nil
			}
			return acc, err
		}
		acc = append(acc, chunk...)
	}
}

// promptRoot 提取提示符中的主机名部分，模式变化（如 R1(config)#）时仍保持不变
func promptRoot(prompt string, suffixes []string) string {
	p := strings.TrimSpace(prompt)
	for _, s := range suffixes {
		if strings.HasSuffix(p, s) {
			p = strings.TrimSuffix(p, s)
			break
		}
	}
	p = strings.TrimLeft(p, "<[~*")
	if i := strings.IndexAny(p, "([>"); i > 0 {
		p = p[:i]
	}
	return strings.TrimSpace(p)
}
