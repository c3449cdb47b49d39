package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sshcollectorpro/clisession/pkg/keepalive"
	"github.com/sshcollectorpro/clisession/pkg/logger"
	"github.com/sshcollectorpro/clisession/pkg/session"
	"github.com/sshcollectorpro/clisession/pkg/transport"
)

// EnvPrefix 环境变量前缀，如 CLISESSION_LOG_LEVEL 覆盖 log.level
const EnvPrefix = "CLISESSION"

// Config 应用配置结构
type Config struct {
	Server         ServerConfig                      `mapstructure:"server"`
	Log            logger.Config                     `mapstructure:"log"`
	SSH            transport.SSHOptions              `mapstructure:"ssh"`
	Telnet         transport.TelnetOptions           `mapstructure:"telnet"`
	Session        SessionConfig                     `mapstructure:"session"`
	Keepalive      KeepaliveConfig                   `mapstructure:"keepalive"`
	Cache          CacheConfig                       `mapstructure:"cache"`
	Journal        JournalConfig                     `mapstructure:"journal"`
	Archive        ArchiveConfig                     `mapstructure:"archive"`
	DeviceDefaults map[string]PlatformDefaultsConfig `mapstructure:"device_defaults"`
	Devices        []DeviceConfig                    `mapstructure:"devices"`
}

// ServerConfig 管理接口配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SimulateEnable 同进程启动设备模拟器（simulate/simulate.yaml）
	SimulateEnable bool   `mapstructure:"simulate_enable"`
	SimulateConfig string `mapstructure:"simulate_config"`
}

// SessionConfig 会话默认参数
type SessionConfig struct {
	Timeouts session.Timeouts `mapstructure:"timeouts"`
	// MaxPasswordAttempts 提权时密码提示的最大应答次数
	MaxPasswordAttempts int `mapstructure:"max_password_attempts"`
	// WriteCeiling / ShowCeiling 队列对单个任务施加的硬上限，0 表示使用会话超时
	WriteCeiling time.Duration `mapstructure:"write_ceiling"`
	ShowCeiling  time.Duration `mapstructure:"show_ceiling"`
	// OpenConcurrency 启动时并行建立会话的数量
	OpenConcurrency int `mapstructure:"open_concurrency"`
}

// KeepaliveConfig 保活配置
type KeepaliveConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	keepalive.Config `mapstructure:",squash"`
}

// CacheConfig 只读命令缓存
type CacheConfig struct {
	// Backend none | memory | redis
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// JournalConfig 会话事件与命令审计
type JournalConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// Retention 超过保留期的记录在启动时清理，0 表示不清理
	Retention time.Duration `mapstructure:"retention"`
}

// ArchiveConfig 提交失败诊断归档
type ArchiveConfig struct {
	// Backend local | minio
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
	Minio   MinioConfig        `mapstructure:"minio"`
}

// LocalArchiveConfig 本地存储配置
type LocalArchiveConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// PlatformDefaultsConfig 按平台覆盖的会话参数，未设置的字段保留插件默认值
type PlatformDefaultsConfig struct {
	Timeouts            session.Timeouts `mapstructure:"timeouts"`
	Newline             string           `mapstructure:"newline"`
	ErrorPatterns       []string         `mapstructure:"error_patterns"`
	CommitErrorPatterns []string         `mapstructure:"commit_error_patterns"`
	PromptFilters       []string         `mapstructure:"prompt_filters"`
}

// DeviceConfig 设备清单条目
type DeviceConfig struct {
	ID             string `mapstructure:"id"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Protocol       string `mapstructure:"protocol"`
	Platform       string `mapstructure:"platform"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	KeyFile        string `mapstructure:"key_file"`
	EnablePassword string `mapstructure:"enable_password"`
	// Keepalive 为 false 时不对该设备做保活
	Keepalive *bool `mapstructure:"keepalive"`
}

// Address host:port，端口缺省按协议推断
func (d DeviceConfig) Address() string {
	port := d.Port
	if port == 0 {
		port = 22
		if d.Protocol == string(transport.ProtocolTelnet) {
			port = 23
		}
	}
	return fmt.Sprintf("%s:%d", d.Host, port)
}

// KeepaliveEnabled 设备级开关优先于全局开关
func (d DeviceConfig) KeepaliveEnabled(global bool) bool {
	if d.Keepalive != nil {
		return *d.Keepalive
	}
	return global
}

var globalConfig *Config

// Load 加载配置文件；configPath 为空时在 ./configs 等目录查找 config.yaml
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.expandEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &config
	return &config, nil
}

// SetDefaults 设置默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.simulate_enable", false)
	v.SetDefault("server.simulate_config", "simulate/simulate.yaml")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("ssh.connect_timeout", 30*time.Second)
	v.SetDefault("telnet.connect_timeout", 30*time.Second)
	v.SetDefault("telnet.login_timeout", 30*time.Second)

	v.SetDefault("session.timeouts.unit", time.Second)
	v.SetDefault("session.max_password_attempts", 3)
	v.SetDefault("session.open_concurrency", 8)

	v.SetDefault("keepalive.enabled", true)
	v.SetDefault("keepalive.delay", 60*time.Second)
	v.SetDefault("keepalive.timeout", 10*time.Second)
	v.SetDefault("keepalive.reconnect_timeout", 60*time.Second)
	v.SetDefault("keepalive.backoff_initial", time.Second)
	v.SetDefault("keepalive.backoff_max", 5*time.Minute)
	v.SetDefault("keepalive.backoff_multiplier", 2.0)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 0)
	v.SetDefault("cache.redis.addr", "127.0.0.1:6379")
	v.SetDefault("cache.redis.key_prefix", "clisession:show:")

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "./data/clisession.db")
	v.SetDefault("journal.max_idle_conns", 2)
	v.SetDefault("journal.max_open_conns", 1)
	v.SetDefault("journal.conn_max_lifetime", time.Hour)

	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.prefix", "commit-failures")
	v.SetDefault("archive.local.base_dir", "./data/archive")
	v.SetDefault("archive.local.mkdir_if_missing", true)
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// Validate 校验设备清单
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Host == "" {
			return fmt.Errorf("devices[%d]: host is required", i)
		}
		if d.ID == "" {
			d.ID = d.Host
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}
		switch d.Protocol {
		case "":
			d.Protocol = string(transport.ProtocolSSH)
		case string(transport.ProtocolSSH), string(transport.ProtocolTelnet):
		default:
			return fmt.Errorf("devices[%d]: unknown protocol %q", i, d.Protocol)
		}
		if d.Platform == "" {
			d.Platform = "default"
		}
	}
	for name, pd := range c.DeviceDefaults {
		for _, exprs := range [][]string{pd.ErrorPatterns, pd.CommitErrorPatterns, pd.PromptFilters} {
			if _, err := session.CompilePatterns(exprs); err != nil {
				return fmt.Errorf("device_defaults.%s: %w", name, err)
			}
		}
	}
	return nil
}

// expandEnv 替换凭据中的 ${VAR} 引用
func (c *Config) expandEnv() {
	for i := range c.Devices {
		d := &c.Devices[i]
		d.Password = expandRef(d.Password)
		d.EnablePassword = expandRef(d.EnablePassword)
	}
	c.Cache.Redis.Password = expandRef(c.Cache.Redis.Password)
	c.Archive.Minio.AccessKey = expandRef(c.Archive.Minio.AccessKey)
	c.Archive.Minio.SecretKey = expandRef(c.Archive.Minio.SecretKey)
}

func expandRef(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if value := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); value != "" {
			return value
		}
	}
	return s
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PlatformTimeouts 平台超时 = 全局会话超时被平台覆盖
func (c *Config) PlatformTimeouts(platform string) session.Timeouts {
	t := c.Session.Timeouts
	if pd, ok := c.DeviceDefaults[platform]; ok {
		t = t.Override(pd.Timeouts)
	}
	return t
}

// ApplyPlatformDefaults 把配置中的平台覆盖项合并到插件提供的 Profile
func (c *Config) ApplyPlatformDefaults(p session.Profile) session.Profile {
	p.Timeouts = p.Timeouts.Override(c.PlatformTimeouts(p.Name))
	pd, ok := c.DeviceDefaults[p.Name]
	if !ok {
		return p
	}
	if pd.Newline != "" {
		p.Newline = pd.Newline
	}
	// Validate 已校验过正则
	if len(pd.ErrorPatterns) > 0 {
		p.ErrorPatterns, _ = session.CompilePatterns(pd.ErrorPatterns)
	}
	if len(pd.CommitErrorPatterns) > 0 {
		p.CommitErrorPatterns, _ = session.CompilePatterns(pd.CommitErrorPatterns)
	}
	if len(pd.PromptFilters) > 0 {
		filters, _ := session.CompilePatterns(pd.PromptFilters)
		p.PromptFilters = append(p.PromptFilters, filters...)
	}
	return p
}
