package transport

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Telnet 协议字节
const (
	telnetIAC  byte = 255
	telnetDONT byte = 254
	telnetDO   byte = 253
	telnetWONT byte = 252
	telnetWILL byte = 251
	telnetSB   byte = 250
	telnetSE   byte = 240

	optEcho byte = 1
	optSGA  byte = 3
)

// TelnetOptions Telnet 连接与登录选项
type TelnetOptions struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	LoginTimeout   time.Duration `mapstructure:"login_timeout"`
	Newline        string        `mapstructure:"newline"`
	UsernamePrompt string        `mapstructure:"username_prompt"`
	PasswordPrompt string        `mapstructure:"password_prompt"`
	FailurePattern string        `mapstructure:"failure_pattern"`
}

func (o TelnetOptions) withDefaults() TelnetOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 30 * time.Second
	}
	if o.Newline == "" {
		o.Newline = "\r\n"
	}
	if o.UsernamePrompt == "" {
		o.UsernamePrompt = `(?i)(user ?name|login)\s*:\s*$`
	}
	if o.PasswordPrompt == "" {
		o.PasswordPrompt = `(?i)password\s*:\s*$`
	}
	if o.FailurePattern == "" {
		o.FailurePattern = `(?i)(login incorrect|authentication failed|access denied|bad password)`
	}
	return o
}

var devicePromptRe = regexp.MustCompile(`[>#$%\]]\s*$`)

// DialTelnet 建立 Telnet 连接并完成带内登录
func DialTelnet(ctx context.Context, address string, creds Credentials, opts TelnetOptions) (*Stream, error) {
	opts = opts.withDefaults()

	userRe, err := regexp.Compile(opts.UsernamePrompt)
	if err != nil {
		return nil, newError("dial", address, ErrNetwork, err)
	}
	passRe, err := regexp.Compile(opts.PasswordPrompt)
	if err != nil {
		return nil, newError("dial", address, ErrNetwork, err)
	}
	failRe, err := regexp.Compile(opts.FailurePattern)
	if err != nil {
		return nil, newError("dial", address, ErrNetwork, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, classifyDialError(address, err)
	}

	stream := NewStream(address, newTelnetConn(conn))
	loginCtx, cancelLogin := context.WithTimeout(ctx, opts.LoginTimeout)
	defer cancelLogin()
	if err := telnetLogin(loginCtx, stream, creds, opts.Newline, userRe, passRe, failRe); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// telnetLogin 处理用户名/密码提示；密码发送后再次出现登录提示视为认证失败
func telnetLogin(ctx context.Context, s *Stream, creds Credentials, newline string, userRe, passRe, failRe *regexp.Regexp) error {
	var acc strings.Builder
	sentUser, sentPass := false, false
	for {
		chunk, err := s.ReadAvailable(ctx, time.Second)
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				if ctx.Err() == nil {
					continue
				}
			}
			if ctx.Err() != nil {
				if sentPass {
					return newError("login", s.Address(), ErrAuthFailure, errors.New("no response after password"))
				}
				return newError("login", s.Address(), ErrConnectTimeout, errors.New("login prompt not received"))
			}
			return err
		}
		acc.Write(chunk)
		text := strings.ReplaceAll(acc.String(), "\r", "")
		tail := lastLine(text)

		switch {
		case sentPass && failRe.MatchString(text):
			return newError("login", s.Address(), ErrAuthFailure, errors.New(strings.TrimSpace(tail)))
		case userRe.MatchString(tail):
			if sentUser {
				return newError("login", s.Address(), ErrAuthFailure, errors.New("username prompt repeated"))
			}
			if err := s.Write([]byte(creds.Username + newline)); err != nil {
				return err
			}
			sentUser = true
			acc.Reset()
		case passRe.MatchString(tail):
			if sentPass {
				return newError("login", s.Address(), ErrAuthFailure, errors.New("password prompt repeated"))
			}
			if err := s.Write([]byte(creds.Password + newline)); err != nil {
				return err
			}
			sentPass = true
			acc.Reset()
		case devicePromptRe.MatchString(tail):
			return nil
		}
	}
}

func lastLine(text string) string {
	text = strings.TrimRight(text, "\n")
	if i := strings.LastIndex(text, "\n"); i >= 0 {
		return text[i+1:]
	}
	return text
}

type telnetState int

const (
	stData telnetState = iota
	stIAC
	stOption
	stSub
	stSubIAC
)

// telnetConn 在 net.Conn 之上剥离并应答 IAC 协商序列
type telnetConn struct {
	net.Conn
	state telnetState
	verb  byte
	wmu   sync.Mutex
}

func newTelnetConn(c net.Conn) *telnetConn {
	return &telnetConn{Conn: c}
}

func (t *telnetConn) Read(p []byte) (int, error) {
	raw := make([]byte, len(p))
	for {
		n, err := t.Conn.Read(raw)
		out := t.filter(raw[:n], p)
		if out > 0 || err != nil {
			return out, err
		}
	}
}

// filter 将 raw 中的数据字节写入 dst，返回写入数量
func (t *telnetConn) filter(raw, dst []byte) int {
	n := 0
	for _, b := range raw {
		switch t.state {
		case stData:
			if b == telnetIAC {
				t.state = stIAC
				continue
			}
			dst[n] = b
			n++
		case stIAC:
			switch b {
			case telnetIAC:
				dst[n] = b
				n++
				t.state = stData
			case telnetDO, telnetDONT, telnetWILL, telnetWONT:
				t.verb = b
				t.state = stOption
			case telnetSB:
				t.state = stSub
			default:
				t.state = stData
			}
		case stOption:
			t.negotiate(t.verb, b)
			t.state = stData
		case stSub:
			if b == telnetIAC {
				t.state = stSubIAC
			}
		case stSubIAC:
			if b == telnetSE {
				t.state = stData
			} else {
				t.state = stSub
			}
		}
	}
	return n
}

// negotiate 只接受 ECHO 与 SGA，其余选项一律拒绝
func (t *telnetConn) negotiate(verb, opt byte) {
	var reply byte
	switch verb {
	case telnetDO:
		if opt == optSGA {
			reply = telnetWILL
		} else {
			reply = telnetWONT
		}
	case telnetWILL:
		if opt == optEcho || opt == optSGA {
			reply = telnetDO
		} else {
			reply = telnetDONT
		}
	default:
		return
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, _ = t.Conn.Write([]byte{telnetIAC, reply, opt})
}

func (t *telnetConn) Write(p []byte) (int, error) {
	escaped := make([]byte, 0, len(p))
	for _, b := range p {
		if b == telnetIAC {
			escaped = append(escaped, telnetIAC)
		}
		escaped = append(escaped, b)
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.Conn.Write(escaped); err != nil {
		return 0, err
	}
	return len(p), nil
}
