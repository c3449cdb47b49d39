package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHOptions SSH 连接选项
type SSHOptions struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// Terms 依次尝试的终端类型
	Terms  []string `mapstructure:"terms"`
	Width  int      `mapstructure:"width"`
	Height int      `mapstructure:"height"`
}

func (o SSHOptions) withDefaults() SSHOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if len(o.Terms) == 0 {
		o.Terms = []string{"vt100", "xterm", "ansi", "dumb"}
	}
	if o.Width <= 0 {
		o.Width = 511
	}
	if o.Height <= 0 {
		o.Height = 24
	}
	return o
}

// SSHConn 基于 PTY Shell 的 SSH 控制台连接
type SSHConn struct {
	*Stream
	client  *ssh.Client
	session *ssh.Session
}

// DialSSH 建立 SSH 连接并打开交互式 Shell
func DialSSH(ctx context.Context, address string, creds Credentials, opts SSHOptions) (*SSHConn, error) {
	opts = opts.withDefaults()

	cfg, err := clientConfig(creds, opts.ConnectTimeout)
	if err != nil {
		return nil, newError("dial", address, ErrAuthFailure, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, classifyDialError(address, err)
	}

	// 握手阶段同样受连接超时约束
	deadline, _ := dialCtx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(dialCtx, func() { _ = conn.SetDeadline(time.Now()) })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	stop()
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeError(address, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	session, err := newSessionWithRetry(ctx, client)
	if err != nil {
		client.Close()
		return nil, newError("session", address, ErrNetwork, err)
	}

	rwc, err := openShell(session, opts)
	if err != nil {
		session.Close()
		client.Close()
		return nil, newError("shell", address, ErrNetwork, err)
	}

	return &SSHConn{
		Stream:  NewStream(address, rwc, client),
		client:  client,
		session: session,
	}, nil
}

// Ping 发送 keepalive@openssh.com 全局请求检测链路
func (c *SSHConn) Ping(ctx context.Context) error {
	result := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		result <- err
	}()
	select {
	case err := <-result:
		if err != nil {
			return newError("ping", c.Address(), ErrNetwork, err)
		}
		return nil
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		return newError("ping", c.Address(), ErrReadTimeout, ctx.Err())
	}
}

func clientConfig(creds Credentials, timeout time.Duration) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
		Config: ssh.Config{
			// 兼容旧设备的密钥交换算法
			KeyExchanges: []string{
				"curve25519-sha256",
				"curve25519-sha256@libssh.org",
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group1-sha1",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group-exchange-sha1",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
			},
			Ciphers: []string{
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"aes128-cbc",
				"aes192-cbc",
				"aes256-cbc",
				"3des-cbc",
			},
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		HostKeyAlgorithms: []string{
			"ssh-ed25519",
			"ssh-rsa",
			"rsa-sha2-256",
			"rsa-sha2-512",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
		},
	}

	if creds.KeyFile != "" {
		pem, err := os.ReadFile(creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		var signer ssh.Signer
		if creds.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(creds.Password))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file: %w", err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}

	if creds.Password != "" {
		// password 与 keyboard-interactive 同时提供，兼容 H3C/Cisco 等设备
		cfg.Auth = append(cfg.Auth,
			ssh.Password(creds.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = creds.Password
				}
				return answers, nil
			}),
		)
	}
	return cfg, nil
}

func classifyHandshakeError(address string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return newError("handshake", address, ErrAuthFailure, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError("handshake", address, ErrConnectTimeout, err)
	}
	return newError("handshake", address, ErrNetwork, err)
}

// newSessionWithRetry 部分设备登录后立即打开通道会返回 "administratively prohibited"，短延迟重试
func newSessionWithRetry(ctx context.Context, client *ssh.Client) (*ssh.Session, error) {
	backoffs := []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second}
	var lastErr error
	for _, d := range backoffs {
		if d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		sess, err := client.NewSession()
		if err == nil {
			return sess, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

type shellRWC struct {
	io.Reader
	stdin   io.WriteCloser
	session *ssh.Session
}

func (s *shellRWC) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *shellRWC) Close() error {
	s.stdin.Close()
	err := s.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func openShell(session *ssh.Session, opts SSHOptions) (io.ReadWriteCloser, error) {
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	var ptyErr error
	for _, term := range opts.Terms {
		if ptyErr = session.RequestPty(term, opts.Height, opts.Width, modes); ptyErr == nil {
			break
		}
	}
	if ptyErr != nil {
		return nil, fmt.Errorf("failed to request pty: %w", ptyErr)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout: %w", err)
	}
	if err := session.Shell(); err != nil {
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	return &shellRWC{
		Reader:  stdout,
		stdin:   stdin,
		session: session,
	}, nil
}
