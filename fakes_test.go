package panelrelay

import (
	"context"
	"errors"
	"sync"
)

// recorder 记录跨 fake 的全局事件顺序
type recorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recorder) add(s string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, s)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

type fakeSender struct {
	mu     sync.Mutex
	frames []string
	err    error
	log    *recorder
}

func (s *fakeSender) Send(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	s.log.add("channel:" + frame)
	return nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	log        *recorder
}

func (d *fakeDialer) Dial(_ context.Context, addr string, handler TransportHandler) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	t := &fakeTransport{addr: addr, handler: handler, log: d.log}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dialed() []*fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTransport(nil), d.transports...)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type fakeTransport struct {
	mu       sync.Mutex
	addr     string
	handler  TransportHandler
	detached bool
	closes   int
	sent     []string
	sendErr  error
	log      *recorder
}

func (t *fakeTransport) Send(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, data)
	t.log.add("transport:" + data)
	return nil
}

func (t *fakeTransport) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached = true
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) messages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) isDetached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detached
}

// active 返回仍绑定的回调；已解除时为 nil
func (t *fakeTransport) active() *TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return nil
	}
	h := t.handler
	return &h
}

func (t *fakeTransport) open() {
	if h := t.active(); h != nil {
		h.OnOpen()
	}
}

func (t *fakeTransport) receive(data string) {
	if h := t.active(); h != nil {
		h.OnMessage(data)
	}
}

func (t *fakeTransport) fail(err error) {
	if h := t.active(); h != nil {
		h.OnError(err)
	}
}

func (t *fakeTransport) drop() {
	if h := t.active(); h != nil {
		h.OnClose()
	}
}

var errBoom = errors.New("boom")
