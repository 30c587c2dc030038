package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/ui-native/internal/bridge"
	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/protocol"
	"github.com/zot/ui-native/internal/registry"
)

type fakeSource struct {
	tee     *logging.Tee
	subs    []func(bridge.Traffic)
	objects []registry.ObjectInfo
	err     error
	mu      sync.Mutex
}

func (s *fakeSource) Output() *logging.Tee { return s.tee }

func (s *fakeSource) Subscribe(fn func(bridge.Traffic)) func() {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *fakeSource) Objects() ([]registry.ObjectInfo, error) { return s.objects, s.err }

func (s *fakeSource) emit(t bridge.Traffic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fn := range s.subs {
		fn(t)
	}
}

func dial(t *testing.T, m *Monitor, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return m.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestStreamsLogsAndTraffic(t *testing.T) {
	src := &fakeSource{tee: logging.NewTee(nil)}
	m := New(src)
	defer m.Close()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	conn := dial(t, m, srv)

	src.tee.WriteLine("hello from lua")
	f := readFrame(t, conn)
	assert.Equal(t, "log", f.Kind)
	assert.Equal(t, "hello from lua", f.Line)

	src.emit(bridge.Traffic{
		Session:   "s1",
		Direction: bridge.Inbound,
		Commands:  []protocol.Command{protocol.Create(1, 0, "Button", "", protocol.String("OK"))},
	})
	f = readFrame(t, conn)
	assert.Equal(t, "traffic", f.Kind)
	assert.Equal(t, "s1", f.Session)
	assert.Equal(t, bridge.Inbound, f.Direction)
	require.Len(t, f.Commands, 1)
	assert.Equal(t, protocol.OpCreate, f.Commands[0].Op)
}

func TestClientDisconnect(t *testing.T) {
	src := &fakeSource{tee: logging.NewTee(nil)}
	m := New(src)
	defer m.Close()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	conn := dial(t, m, srv)
	conn.Close()
	assert.Eventually(t, func() bool { return m.Clients() == 0 }, time.Second, 5*time.Millisecond)

	// Broadcasting with no clients is harmless.
	src.tee.WriteLine("nobody listening")
}

func TestObjectsSnapshot(t *testing.T) {
	src := &fakeSource{
		tee:     logging.NewTee(nil),
		objects: []registry.ObjectInfo{{Handle: -1, Type: "*main.App"}, {Handle: 1, Type: "Button"}},
	}
	m := New(src)
	defer m.Close()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/objects", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []registry.ObjectInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, src.objects, got)

	src.err = errors.New("lifecycle: not running")
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/objects", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
