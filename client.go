package panelrelay

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// Client 面板侧到宿主的通道连接
type Client struct {
	url    string
	viewID string
	secret string
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	conn        *Conn
	onFrame     func(frame string)
	onReconnect func()
	stop        chan struct{}
	stopOnce    sync.Once
}

// Connect 连接到宿主（使用默认 Options）
func Connect(urlStr string, secret string) (*Client, error) {
	return ConnectWithOptions(urlStr, "", secret, nil, nil)
}

// ConnectWithOptions 连接到宿主，并启动读取循环
// 若 viewID 为空，将自动随机生成；secret 必填
func ConnectWithOptions(urlStr, viewID, secret string, opts *Options, logger *slog.Logger) (*Client, error) {
	o := mergeOptions(opts)
	if logger == nil {
		logger = slog.Default()
	}
	if viewID == "" {
		viewID = uuid.NewString()
	}

	// 附带 query 以便跨代理丢头场景
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("view", viewID)
	q.Set("secret", secret)
	u.RawQuery = q.Encode()

	c := &Client{
		url:    u.String(),
		viewID: viewID,
		secret: secret,
		opts:   o,
		logger: logger.With("view", viewID),
		stop:   make(chan struct{}),
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.runReadLoop(conn)
	if o.ReconnectEnabled {
		go c.reconnectWatcher(conn)
	}
	return c, nil
}

func (c *Client) dial() (*Conn, error) {
	header := http.Header{}
	header.Set("X-Panel-Secret", c.secret)
	header.Set("X-View-ID", c.viewID)
	ws, _, err := websocket.DefaultDialer.Dial(c.url, header)
	if err != nil {
		return nil, err
	}
	conn := NewConn(c.viewID, ws, c.logger)
	if c.opts.HeartbeatEnabled && c.opts.HeartbeatInterval > 0 {
		conn.StartHeartbeat(c.opts.HeartbeatInterval)
	}
	return conn, nil
}

// ViewID 返回视图 id
func (c *Client) ViewID() string { return c.viewID }

// OnFrame 注册收到宿主帧时的回调
func (c *Client) OnFrame(h func(frame string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = h
}

// OnReconnect 注册自动重连成功后的回调，面板通常在此重新发送 ready
func (c *Client) OnReconnect(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = h
}

func (c *Client) runReadLoop(conn *Conn) {
	conn.Run(func(frame string) {
		c.mu.Lock()
		h := c.onFrame
		c.mu.Unlock()
		if h != nil {
			h(frame)
		}
	})
}

// Send 代理到当前连接（便于在自动重连时避免使用旧指针）
func (c *Client) Send(frame string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnClosed
	}
	return conn.Send(frame)
}

func (c *Client) reconnectWatcher(current *Conn) {
	// 同时监听 stop 与当前连接关闭，防止 stop 已关闭仍阻塞在连接关闭等待
	select {
	case <-c.stop:
		return
	case <-current.Closed():
	}
	b := &backoff.Backoff{
		Min:    c.opts.ReconnectBackoff,
		Max:    c.opts.ReconnectMaxBackoff,
		Factor: 2,
		Jitter: true,
	}
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			wait := b.Duration()
			c.logger.Debug("reconnect failed", "attempt", int(b.Attempt()), "retry_in", wait, "error", err)
			select {
			case <-c.stop:
				return
			case <-time.After(wait):
			}
			continue
		}

		// 切换连接；拨号期间已 Close 则丢弃新连接
		c.mu.Lock()
		select {
		case <-c.stop:
			c.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		c.conn = conn
		h := c.onReconnect
		c.mu.Unlock()
		c.logger.Info("reconnected to host")

		go c.runReadLoop(conn)
		if h != nil {
			h()
		}
		// 继续监视新连接
		go c.reconnectWatcher(conn)
		return
	}
}

// Close 停止自动重连并关闭当前连接
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
