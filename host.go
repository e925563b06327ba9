package panelrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// PreferenceStore 面板偏好设置存储
type PreferenceStore interface {
	Preferences() (map[string]string, error)
	SetPreference(name, value string) error
}

// URLFetcher 代替无网络的面板获取远程资源
type URLFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// EditorOpener 在编辑器中打开源码位置
type EditorOpener interface {
	OpenInEditor(ctx context.Context, req EditorRequest) error
}

// TelemetrySink 接收面板上报的遥测
type TelemetrySink interface {
	Record(ev TelemetryEvent)
}

// HostService 在宿主侧处理除 ready/websocket 之外的词表事件
type HostService struct {
	Preferences  PreferenceStore
	Fetcher      URLFetcher
	Editor       EditorOpener
	Telemetry    TelemetrySink
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

func (h *HostService) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Handle 处理一帧请求，需要响应的请求通过 reply 回写。
// getUrl 在独立 goroutine 中执行，多个获取可以同时进行。
func (h *HostService) Handle(ctx context.Context, e Event, payload string, reply Sender) {
	switch e {
	case EventGetState:
		var req StateRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			h.logger().Debug("bad getState payload", "error", err)
			return
		}
		prefs := map[string]string{}
		if h.Preferences != nil {
			p, err := h.Preferences.Preferences()
			if err != nil {
				h.logger().Warn("load preferences", "error", err)
			} else {
				prefs = p
			}
		}
		h.reply(reply, EventGetState, StateResponse{ID: req.ID, Preferences: prefs})

	case EventSetState:
		var req SetStateRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil || req.Name == "" {
			h.logger().Debug("bad setState payload", "payload", payload)
			return
		}
		if h.Preferences == nil {
			return
		}
		if err := h.Preferences.SetPreference(req.Name, req.Value); err != nil {
			h.logger().Warn("store preference", "name", req.Name, "error", err)
		}

	case EventGetURL:
		var req URLRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			h.logger().Debug("bad getUrl payload", "error", err)
			return
		}
		go h.fetch(ctx, req, reply)

	case EventOpenInEditor:
		var req EditorRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			h.logger().Debug("bad openInEditor payload", "error", err)
			return
		}
		if h.Editor == nil {
			h.logger().Info("no editor configured", "url", req.URL, "line", req.Line)
			return
		}
		if err := h.Editor.OpenInEditor(ctx, req); err != nil {
			h.logger().Warn("open in editor", "url", req.URL, "error", err)
		}

	case EventTelemetry:
		var ev TelemetryEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			h.logger().Debug("bad telemetry payload", "error", err)
			return
		}
		if h.Telemetry != nil {
			h.Telemetry.Record(ev)
		}

	default:
		h.logger().Debug("host ignoring event", "event", e.String())
	}
}

// fetch 无论成功与否都回写响应，失败时内容为空
func (h *HostService) fetch(ctx context.Context, req URLRequest, reply Sender) {
	resp := URLResponse{ID: req.ID}
	if h.Fetcher == nil {
		h.logger().Warn("no fetcher configured", "url", req.URL)
		h.reply(reply, EventGetURL, resp)
		return
	}
	timeout := h.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := h.Fetcher.Fetch(ctx, req.URL)
	if err != nil {
		h.logger().Warn("fetch failed", "url", req.URL, "error", err)
	} else {
		resp.Content = content
	}
	h.reply(reply, EventGetURL, resp)
}

func (h *HostService) reply(reply Sender, e Event, payload any) {
	if reply == nil {
		return
	}
	frame, err := Encode(e, payload)
	if err != nil {
		h.logger().Error("encode reply", "event", e.String(), "error", err)
		return
	}
	if err := reply.Send(frame); err != nil {
		h.logger().Warn("send reply", "event", e.String(), "error", err)
	}
}

// FilePreferenceStore 以 YAML 文件保存偏好；Path 为空时只存在内存中
type FilePreferenceStore struct {
	Path string

	mu    sync.Mutex
	prefs map[string]string
}

// NewFilePreferenceStore 加载已有文件，文件不存在时从空集合开始
func NewFilePreferenceStore(path string) (*FilePreferenceStore, error) {
	s := &FilePreferenceStore{Path: path, prefs: map[string]string{}}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.prefs); err != nil {
		return nil, fmt.Errorf("parse preferences %s: %w", path, err)
	}
	if s.prefs == nil {
		s.prefs = map[string]string{}
	}
	return s, nil
}

// Preferences 返回偏好副本
func (s *FilePreferenceStore) Preferences() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.prefs), nil
}

// SetPreference 写入一项偏好并落盘
func (s *FilePreferenceStore) SetPreference(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		s.prefs = map[string]string{}
	}
	s.prefs[name] = value
	if s.Path == "" {
		return nil
	}
	data, err := yaml.Marshal(s.prefs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// LogTelemetry 把遥测写入结构化日志
type LogTelemetry struct {
	Logger *slog.Logger
}

// Record 实现 TelemetrySink
func (t *LogTelemetry) Record(ev TelemetryEvent) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 2+2*(len(ev.Properties)+len(ev.Measures)))
	attrs = append(attrs, "name", ev.Name)
	for k, v := range ev.Properties {
		attrs = append(attrs, k, v)
	}
	for k, v := range ev.Measures {
		attrs = append(attrs, k, v)
	}
	logger.Info("telemetry", attrs...)
}
