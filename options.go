package panelrelay

import "time"

// Options 控制目标地址、心跳、自动重连、启动看门狗等行为
type Options struct {
	// 调试目标
	TargetAddress       string
	AllowTargetOverride bool
	DialTimeout         time.Duration

	// 心跳开关与周期
	HeartbeatEnabled  bool
	HeartbeatInterval time.Duration

	// 自动重连（面板侧）
	ReconnectEnabled    bool
	ReconnectBackoff    time.Duration
	ReconnectMaxBackoff time.Duration

	// 僵尸连接清理（宿主侧）
	ZombieCleanupEnabled bool
	ZombieCheckInterval  time.Duration
	ZombieMaxIdle        time.Duration

	// 内容帧启动看门狗
	WatchdogDelay time.Duration
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		DialTimeout:          10 * time.Second,
		HeartbeatEnabled:     true,
		HeartbeatInterval:    30 * time.Second,
		ReconnectEnabled:     false,
		ReconnectBackoff:     1 * time.Second,
		ReconnectMaxBackoff:  30 * time.Second,
		ZombieCleanupEnabled: false,
		ZombieCheckInterval:  30 * time.Second,
		ZombieMaxIdle:        2 * time.Minute,
		WatchdogDelay:        10 * time.Second,
	}
}

// mergeOptions 以默认值为底：时长与地址仅非零值覆盖，开关以传入值为准
func mergeOptions(opts *Options) Options {
	o := DefaultOptions()
	if opts == nil {
		return o
	}
	if opts.TargetAddress != "" {
		o.TargetAddress = opts.TargetAddress
	}
	o.AllowTargetOverride = opts.AllowTargetOverride
	if opts.DialTimeout != 0 {
		o.DialTimeout = opts.DialTimeout
	}
	o.HeartbeatEnabled = opts.HeartbeatEnabled
	if opts.HeartbeatInterval != 0 {
		o.HeartbeatInterval = opts.HeartbeatInterval
	}
	o.ReconnectEnabled = opts.ReconnectEnabled
	if opts.ReconnectBackoff != 0 {
		o.ReconnectBackoff = opts.ReconnectBackoff
	}
	if opts.ReconnectMaxBackoff != 0 {
		o.ReconnectMaxBackoff = opts.ReconnectMaxBackoff
	}
	o.ZombieCleanupEnabled = opts.ZombieCleanupEnabled
	if opts.ZombieCheckInterval != 0 {
		o.ZombieCheckInterval = opts.ZombieCheckInterval
	}
	if opts.ZombieMaxIdle != 0 {
		o.ZombieMaxIdle = opts.ZombieMaxIdle
	}
	if opts.WatchdogDelay != 0 {
		o.WatchdogDelay = opts.WatchdogDelay
	}
	return o
}
