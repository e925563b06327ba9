package panelrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	content map[string]string
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (string, error) {
	c, ok := f.content[url]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrFetchFailed, url)
	}
	return c, nil
}

type stubEditor struct {
	mu   sync.Mutex
	reqs []EditorRequest
}

func (e *stubEditor) OpenInEditor(_ context.Context, req EditorRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	return nil
}

type stubTelemetry struct {
	mu     sync.Mutex
	events []TelemetryEvent
}

func (s *stubTelemetry) Record(ev TelemetryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func newTestHost(t *testing.T) (*HostService, *FilePreferenceStore) {
	t.Helper()
	prefs, err := NewFilePreferenceStore("")
	require.NoError(t, err)
	return &HostService{
		Preferences: prefs,
		Fetcher:     &stubFetcher{content: map[string]string{"http://a/x.js": "var x;"}},
		Logger:      discardLogger(),
	}, prefs
}

func TestHostServiceState(t *testing.T) {
	h, prefs := newTestHost(t)
	reply := &fakeSender{}
	ctx := context.Background()

	h.Handle(ctx, EventSetState, `{"name":"theme","value":"dark"}`, reply)
	h.Handle(ctx, EventSetState, `{"value":"nameless"}`, reply)
	assert.Empty(t, reply.sent())

	got, err := prefs.Preferences()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"theme": "dark"}, got)

	h.Handle(ctx, EventGetState, `{"id":4}`, reply)
	require.Len(t, reply.sent(), 1)
	assert.Equal(t, `getState:{"id":4,"preferences":{"theme":"dark"}}`, reply.sent()[0])
}

func TestHostServiceGetStateWithoutStore(t *testing.T) {
	h := &HostService{Logger: discardLogger()}
	reply := &fakeSender{}
	h.Handle(context.Background(), EventGetState, `{"id":0}`, reply)
	assert.Equal(t, []string{`getState:{"id":0,"preferences":{}}`}, reply.sent())
}

func TestHostServiceGetURL(t *testing.T) {
	h, _ := newTestHost(t)
	reply := &fakeSender{}
	ctx := context.Background()

	h.Handle(ctx, EventGetURL, `{"id":1,"url":"http://a/x.js"}`, reply)
	h.Handle(ctx, EventGetURL, `{"id":2,"url":"http://a/missing.js"}`, reply)

	require.Eventually(t, func() bool { return len(reply.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{
		`getUrl:{"id":1,"content":"var x;"}`,
		`getUrl:{"id":2,"content":""}`,
	}, reply.sent())
}

func TestHostServiceGetURLWithoutFetcher(t *testing.T) {
	h := &HostService{Logger: discardLogger()}
	reply := &fakeSender{}
	h.Handle(context.Background(), EventGetURL, `{"id":5,"url":"http://a"}`, reply)
	require.Eventually(t, func() bool { return len(reply.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `getUrl:{"id":5,"content":""}`, reply.sent()[0])
}

func TestHostServiceEditorAndTelemetry(t *testing.T) {
	editor := &stubEditor{}
	sink := &stubTelemetry{}
	h := &HostService{Editor: editor, Telemetry: sink, Logger: discardLogger()}
	ctx := context.Background()

	h.Handle(ctx, EventOpenInEditor, `{"url":"file:///a.ts","line":10,"column":2}`, nil)
	h.Handle(ctx, EventTelemetry, `{"name":"panel/shown","measures":{"ms":12.5}}`, nil)
	h.Handle(ctx, EventTelemetry, `garbage`, nil)

	assert.Equal(t, []EditorRequest{{URL: "file:///a.ts", Line: 10, Column: 2}}, editor.reqs)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "panel/shown", sink.events[0].Name)
	assert.Equal(t, 12.5, sink.events[0].Measures["ms"])
}

func TestHostServiceIgnoresRelayEvents(t *testing.T) {
	h, _ := newTestHost(t)
	reply := &fakeSender{}
	h.Handle(context.Background(), EventWebSocket, `{"message":"{}"}`, reply)
	h.Handle(context.Background(), EventReady, `{}`, reply)
	assert.Empty(t, reply.sent())
}

func TestFilePreferenceStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.yaml")

	s, err := NewFilePreferenceStore(path)
	require.NoError(t, err)
	got, err := s.Preferences()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SetPreference("theme", "dark"))
	require.NoError(t, s.SetPreference("panel.width", "420"))

	// 返回的是副本
	got["theme"] = "light"

	reloaded, err := NewFilePreferenceStore(path)
	require.NoError(t, err)
	got, err = reloaded.Preferences()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"theme": "dark", "panel.width": "420"}, got)
}

func TestFilePreferenceStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	require.NoError(t, writeFile(path, "theme: [unterminated"))
	_, err := NewFilePreferenceStore(path)
	assert.Error(t, err)
}

func TestLogTelemetry(t *testing.T) {
	var buf bytes.Buffer
	sink := &LogTelemetry{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	sink.Record(TelemetryEvent{
		Name:       StartupTelemetry,
		Properties: map[string]string{"stage": "soft"},
		Measures:   map[string]float64{"delay": 10},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "telemetry", line["msg"])
	assert.Equal(t, StartupTelemetry, line["name"])
	assert.Equal(t, "soft", line["stage"])
	assert.Equal(t, float64(10), line["delay"])
}
