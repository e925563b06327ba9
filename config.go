package panelrelay

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 宿主进程的配置文件
type Config struct {
	Listen              string        `yaml:"listen"`
	Secret              string        `yaml:"secret"`
	Target              string        `yaml:"target"`
	AllowTargetOverride bool          `yaml:"allow_target_override"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	Heartbeat           time.Duration `yaml:"heartbeat"`
	ZombieMaxIdle       time.Duration `yaml:"zombie_max_idle"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	FetchGuard          GuardConfig   `yaml:"fetch_guard"`
	PreferencesFile     string        `yaml:"preferences_file"`
	Log                 LogConfig     `yaml:"log"`
}

// LogConfig 日志输出
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stderr, stdout 或文件路径
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Listen:       "127.0.0.1:9229",
		DialTimeout:  10 * time.Second,
		Heartbeat:    30 * time.Second,
		FetchTimeout: 30 * time.Second,
		FetchGuard:   GuardConfig{RatePerSecond: 20, Burst: 40},
		Log:          LogConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// LoadConfig 读取 YAML 配置并覆盖默认值；path 为空时返回默认配置
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 检查必填项与目标地址格式
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen is required")
	}
	if c.Secret == "" {
		return errors.New("config: secret is required")
	}
	if c.Target == "" && !c.AllowTargetOverride {
		return fmt.Errorf("config: %w", ErrNoTarget)
	}
	if c.Target != "" {
		u, err := url.Parse(c.Target)
		if err != nil {
			return fmt.Errorf("config: target: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("config: target scheme %q, want ws or wss", u.Scheme)
		}
	}
	return nil
}

// Options 转换为 Server 使用的 Options
func (c Config) Options() Options {
	o := DefaultOptions()
	o.TargetAddress = c.Target
	o.AllowTargetOverride = c.AllowTargetOverride
	if c.DialTimeout > 0 {
		o.DialTimeout = c.DialTimeout
	}
	o.HeartbeatEnabled = c.Heartbeat > 0
	if c.Heartbeat > 0 {
		o.HeartbeatInterval = c.Heartbeat
	}
	if c.ZombieMaxIdle > 0 {
		o.ZombieCleanupEnabled = true
		o.ZombieMaxIdle = c.ZombieMaxIdle
	}
	return o
}
