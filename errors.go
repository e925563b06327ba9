package panelrelay

import "errors"

var (
	// ErrUnauthorized 认证失败
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionNotFound 未找到视图对应的会话
	ErrSessionNotFound = errors.New("session not found")
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("connection closed")
	// ErrNotConnected 传输尚未打开
	ErrNotConnected = errors.New("transport not connected")
	// ErrNoTarget 未配置调试目标地址
	ErrNoTarget = errors.New("no target address")
	// ErrFetchFailed 远程资源获取失败
	ErrFetchFailed = errors.New("fetch failed")
	// ErrUnknownMethod 内容帧请求了未知方法
	ErrUnknownMethod = errors.New("unknown content method")
)
