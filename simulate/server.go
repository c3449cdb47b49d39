package simulate

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"

	"github.com/sshcollectorpro/clisession/pkg/logger"
)

// Config simulate.yaml 配置结构
type Config struct {
	SSHListen    string                  `mapstructure:"ssh_listen"`
	TelnetListen string                  `mapstructure:"telnet_listen"`
	Password     string                  `mapstructure:"password"`
	HostKeyFile  string                  `mapstructure:"host_key_file"`
	MaxConn      int                     `mapstructure:"max_conn"`
	Devices      map[string]DeviceConfig `mapstructure:"devices"`
}

// LoadConfig 读取模拟器配置
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetDefault("password", "nova")
	v.SetDefault("max_conn", 64)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	return &cfg, nil
}

// Server SSH / Telnet 模拟服务
//
// 登录用户名选择设备，未知用户名使用 default 设备。
type Server struct {
	cfg     Config
	devices map[string]*Device
	hostKey ssh.Signer
	log     *logrus.Entry

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	active    int
	wg        sync.WaitGroup
}

// NewServer 根据配置创建模拟服务
func NewServer(cfg Config) (*Server, error) {
	if cfg.Password == "" {
		cfg.Password = "nova"
	}
	key, err := loadOrCreateHostKey(cfg.HostKeyFile)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		devices: make(map[string]*Device),
		conns:   make(map[net.Conn]struct{}),
		hostKey: key,
		log:     logger.GetLogger().WithField("component", "simulate"),
	}
	for name, dc := range cfg.Devices {
		s.devices[name] = NewDevice(dc)
	}
	if _, ok := s.devices["default"]; !ok {
		s.devices["default"] = NewDevice(DeviceConfig{})
	}
	return s, nil
}

// Device 返回用户名对应的模拟设备
func (s *Server) Device(user string) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[user]; ok {
		return d
	}
	return s.devices["default"]
}

// AddDevice 注册或替换模拟设备
func (s *Server) AddDevice(user string, d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[user] = d
}

// ListenSSH 在 addr 上启动 SSH 服务，返回实际监听地址
func (s *Server) ListenSSH(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen ssh on %s: %w", addr, err)
	}
	s.serve(ln, s.handleSSH)
	s.log.Infof("ssh simulator listening on %s", ln.Addr())
	return ln.Addr().String(), nil
}

// ListenTelnet 在 addr 上启动 Telnet 服务，返回实际监听地址
func (s *Server) ListenTelnet(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen telnet on %s: %w", addr, err)
	}
	s.serve(ln, s.handleTelnet)
	s.log.Infof("telnet simulator listening on %s", ln.Addr())
	return ln.Addr().String(), nil
}

// Start 按配置启动全部监听
func (s *Server) Start() error {
	if s.cfg.SSHListen != "" {
		if _, err := s.ListenSSH(s.cfg.SSHListen); err != nil {
			return err
		}
	}
	if s.cfg.TelnetListen != "" {
		if _, err := s.ListenTelnet(s.cfg.TelnetListen); err != nil {
			s.Stop()
			return err
		}
	}
	return nil
}

// Stop 关闭监听与所有活动连接
func (s *Server) Stop() {
	s.mu.Lock()
	lns := s.listeners
	s.listeners = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, ln := range lns {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}

func (s *Server) serve(ln net.Listener, handle func(net.Conn)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warnf("accept error: %v", err)
				time.Sleep(200 * time.Millisecond)
				continue
			}
			s.mu.Lock()
			if s.cfg.MaxConn > 0 && s.active >= s.cfg.MaxConn {
				s.mu.Unlock()
				_ = conn.Close()
				s.log.Warn("reject connection, max_conn exceeded")
				continue
			}
			s.active++
			s.conns[conn] = struct{}{}
			s.mu.Unlock()

			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				handle(c)
				s.mu.Lock()
				s.active--
				delete(s.conns, c)
				s.mu.Unlock()
			}(conn)
		}
	}()
}

func (s *Server) handleSSH(nc net.Conn) {
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == s.cfg.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(meta.User(), "Authentication", []string{"Password:"}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) > 0 && answers[0] == s.cfg.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
	}
	srvCfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		s.log.Debugf("ssh handshake failed from %s: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	dev := s.Device(conn.User())
	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			s.log.Warnf("channel accept failed: %v", err)
			continue
		}
		go s.handleSession(channel, requests, dev)
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, dev *Device) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			if err := dev.Serve(channel); err != nil {
				s.log.Debugf("session for %s ended: %v", dev.cfg.Hostname, err)
			}
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// handleTelnet 简化的 Telnet 登录：不做选项协商，Username/Password 校验后进入 CLI
func (s *Server) handleTelnet(nc net.Conn) {
	defer nc.Close()
	sess := &cliSession{w: nc}
	sess.r = newLineReader(nc)

	for attempt := 0; attempt < 3; attempt++ {
		if err := sess.write("\r\nUsername: "); err != nil {
			return
		}
		user, err := sess.readLine()
		if err != nil {
			return
		}
		if err := sess.write("\r\nPassword: "); err != nil {
			return
		}
		pass, err := sess.readLine()
		if err != nil {
			return
		}
		if pass == s.cfg.Password {
			_ = sess.write("\r\n")
			dev := s.Device(strings.TrimSpace(user))
			if err := dev.serveWithReader(nc, sess.r); err != nil {
				s.log.Debugf("telnet session for %s ended: %v", dev.cfg.Hostname, err)
			}
			return
		}
		if err := sess.write("\r\n% Login invalid\r\n"); err != nil {
			return
		}
	}
}

func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		if bs, err := os.ReadFile(path); err == nil {
			return ssh.ParsePrivateKey(bs)
		}
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create host key signer: %w", err)
	}
	if path != "" {
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err == nil {
			block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
			_ = os.WriteFile(path, block, 0o600)
		}
	}
	return signer, nil
}
