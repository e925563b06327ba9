package panelrelay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	closeGrace    = time.Second
	pingWriteWait = 5 * time.Second
)

// Conn 面板与宿主之间的一条通道，承载 "<event>:<json>" 文本帧。
// 写串行化；Close 可重复调用。
type Conn struct {
	ID string

	ws     *websocket.Conn
	logger *slog.Logger

	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once

	idleTimeout atomic.Int64 // 读超时，0 表示不设置
	lastSeen    atomic.Int64 // unix nano
	beating     atomic.Bool
}

// NewConn 封装已握手的 websocket
func NewConn(id string, ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ID:     id,
		ws:     ws,
		logger: logger.With("conn", id),
		done:   make(chan struct{}),
	}
	c.touch()
	ws.SetPongHandler(func(string) error {
		c.touch()
		c.extendDeadline()
		return nil
	})
	return c
}

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *Conn) extendDeadline() {
	if d := time.Duration(c.idleTimeout.Load()); d > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(d))
	}
}

func (c *Conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send 写出一帧文本
func (c *Conn) Send(frame string) error {
	if c == nil || c.ws == nil || c.isDone() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Run 读循环，文本帧交给 onFrame，其余消息类型忽略。连接断开后返回。
func (c *Conn) Run(onFrame func(frame string)) {
	defer c.finish()
	c.extendDeadline()
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isDone() {
				c.logger.Debug("channel read ended", "error", err)
			}
			return
		}
		c.touch()
		c.extendDeadline()
		if kind == websocket.TextMessage {
			onFrame(string(data))
		}
	}
}

// Close 发送正常关闭帧并断开
func (c *Conn) Close() error {
	if c == nil || c.ws == nil {
		return nil
	}
	c.finish()
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// Closed 在连接结束后可读
func (c *Conn) Closed() <-chan struct{} {
	return c.done
}

// LastActivity 最近一次读到数据或 pong 的时间
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// StartHeartbeat 每个 interval 发送 ping；3 个周期内读不到任何数据则读超时断开。
// 重复调用无效。
func (c *Conn) StartHeartbeat(interval time.Duration) {
	if interval <= 0 || c == nil || c.ws == nil {
		return
	}
	if !c.beating.CompareAndSwap(false, true) {
		return
	}
	c.idleTimeout.Store(int64(3 * interval))
	go c.heartbeat(interval)
}

func (c *Conn) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.writeMu.Lock()
		err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("ping failed", "error", err)
			c.finish()
			return
		}
	}
}

func (c *Conn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}
