package panelrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport 到远程调试目标的真实连接
type Transport interface {
	// Send 发送一条文本消息；未打开时返回 ErrNotConnected
	Send(data string) error
	// Detach 解除全部回调，之后不再触发任何事件
	Detach()
	// Close 关闭连接，可重复调用
	Close() error
}

// TransportHandler 传输事件回调，每个传输实例绑定一次
type TransportHandler struct {
	OnOpen    func()
	OnMessage func(data string)
	OnError   func(err error)
	OnClose   func()
}

// Dialer 建立传输。Dial 立即返回（连接中），打开/关闭通过回调异步通知。
type Dialer interface {
	Dial(ctx context.Context, addr string, handler TransportHandler) (Transport, error)
}

// WebSocketDialer 基于 gorilla/websocket 的 Dialer
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           *slog.Logger
}

// Dial 校验地址后在后台拨号
func (d *WebSocketDialer) Dial(ctx context.Context, addr string, handler TransportHandler) (Transport, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("dial %s: unsupported scheme %q", addr, u.Scheme)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &wsTransport{
		addr:    u.String(),
		handler: &handler,
		cancel:  cancel,
		logger:  logger.With("target", u.String()),
	}
	go t.run(ctx, dialer, d.Header)
	return t, nil
}

type wsTransport struct {
	addr   string
	logger *slog.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	handler *TransportHandler
	ws      *websocket.Conn
	closed  bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) run(ctx context.Context, dialer *websocket.Dialer, header http.Header) {
	ws, _, err := dialer.DialContext(ctx, t.addr, header)
	if err != nil {
		t.logger.Debug("transport dial failed", "error", err)
		t.fireError(err)
		t.fireClose()
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ws.Close()
		return
	}
	t.ws = ws
	t.mu.Unlock()

	t.fireOpen()
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !t.isClosed() {
				t.fireError(err)
			}
			t.fireClose()
			return
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			t.fireMessage(string(data))
		}
	}
}

func (t *wsTransport) Send(data string) error {
	t.mu.Lock()
	ws := t.ws
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	if ws == nil {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, []byte(data))
}

func (t *wsTransport) Detach() {
	t.mu.Lock()
	t.handler = nil
	t.mu.Unlock()
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		ws := t.ws
		t.mu.Unlock()
		t.cancel()
		if ws == nil {
			return
		}
		t.writeMu.Lock()
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		if cerr := ws.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}

func (t *wsTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *wsTransport) current() *TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *wsTransport) fireOpen() {
	if h := t.current(); h != nil && h.OnOpen != nil {
		h.OnOpen()
	}
}

func (t *wsTransport) fireMessage(data string) {
	if h := t.current(); h != nil && h.OnMessage != nil {
		h.OnMessage(data)
	}
}

func (t *wsTransport) fireError(err error) {
	if h := t.current(); h != nil && h.OnError != nil {
		h.OnError(err)
	}
}

func (t *wsTransport) fireClose() {
	if h := t.current(); h != nil && h.OnClose != nil {
		h.OnClose()
	}
}
