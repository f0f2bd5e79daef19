package push

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procscope/backend/internal/core"
	"github.com/procscope/backend/internal/store"
)

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newTestHub(t *testing.T, maxClients int) (*Hub, *store.Store, string) {
	t.Helper()
	st := store.New(nil)
	hub := NewHub(st, nil, maxClients, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return hub, st, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var f wireFrame
	require.NoError(t, json.Unmarshal(payload, &f))
	return f
}

func row(pid int32, level core.Level) core.Process {
	return core.Process{
		PID: pid, Name: "p", Cmd: "p", Level: level,
		Reasons:     []string{},
		Connections: core.ConnectionSummary{Outbound: int(pid), Remotes: []string{}},
	}
}

func TestInitialFrameOnAttach(t *testing.T) {
	_, st, url := newTestHub(t, 10)
	require.True(t, st.Update([]core.Process{row(1, core.LevelLow), row(2, core.LevelHigh)}))

	conn := dial(t, url)
	f := readFrame(t, conn)

	assert.Equal(t, "initial", f.Type)
	var rows []core.Process
	require.NoError(t, json.Unmarshal(f.Data, &rows))
	assert.Len(t, rows, 2)
}

func TestEmptyStoreYieldsEmptyInitial(t *testing.T) {
	_, _, url := newTestHub(t, 10)

	conn := dial(t, url)
	f := readFrame(t, conn)

	assert.Equal(t, "initial", f.Type)
	assert.Equal(t, "[]", string(f.Data))
}

func TestDeltaFrameAfterCommit(t *testing.T) {
	_, st, url := newTestHub(t, 10)
	a, b := row(1, core.LevelLow), row(2, core.LevelMedium)
	require.True(t, st.Update([]core.Process{a, b}))

	conn := dial(t, url)
	require.Equal(t, "initial", readFrame(t, conn).Type)

	bHigh := b
	bHigh.Level = core.LevelHigh
	c := row(3, core.LevelLow)
	require.True(t, st.Update([]core.Process{bHigh, c}))

	f := readFrame(t, conn)
	require.Equal(t, "delta", f.Type)

	var d core.Delta
	require.NoError(t, json.Unmarshal(f.Data, &d))
	require.Len(t, d.Added, 1)
	assert.Equal(t, int32(3), d.Added[0].PID)
	require.Len(t, d.Updated, 1)
	assert.Equal(t, int32(2), d.Updated[0].PID)
	assert.Equal(t, []int32{1}, d.Removed)
}

func TestEachSubscriberGetsOwnDelta(t *testing.T) {
	_, st, url := newTestHub(t, 10)
	require.True(t, st.Update([]core.Process{row(1, core.LevelLow)}))

	early := dial(t, url)
	require.Equal(t, "initial", readFrame(t, early).Type)

	require.True(t, st.Update([]core.Process{row(1, core.LevelLow), row(2, core.LevelLow)}))
	require.Equal(t, "delta", readFrame(t, early).Type)

	// A late subscriber sees the current state as initial, not as a delta.
	late := dial(t, url)
	f := readFrame(t, late)
	require.Equal(t, "initial", f.Type)
	var rows []core.Process
	require.NoError(t, json.Unmarshal(f.Data, &rows))
	assert.Len(t, rows, 2)
}

func TestClientCapRejectsWithPolicyViolation(t *testing.T) {
	hub, _, url := newTestHub(t, 1)

	first := dial(t, url)
	require.Equal(t, "initial", readFrame(t, first).Type)

	second := dial(t, url)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected close 1008, got %v", err)

	assert.Equal(t, 1, hub.ClientCount())
}

func TestClientPingKeepsConnectionOpen(t *testing.T) {
	_, _, url := newTestHub(t, 10)

	conn := dial(t, url)
	require.Equal(t, "initial", readFrame(t, conn).Type)

	// Application-level ping: the server ignores the payload but treats it
	// as liveness.
	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	assert.NoError(t, err)
}

func TestFrameWireShape(t *testing.T) {
	// Frames carry type and data only; clients byte-digest them, so no
	// volatile fields may leak into the encoding.
	payload, err := json.Marshal(Frame{Type: "heartbeat"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"heartbeat"}`, string(payload))

	payload, err = json.Marshal(Frame{Type: "initial", Data: []core.Process{}})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"initial","data":[]}`, string(payload))
}

func TestShutdownSendsGoingAway(t *testing.T) {
	hub, _, url := newTestHub(t, 10)

	conn := dial(t, url)
	require.Equal(t, "initial", readFrame(t, conn).Type)

	hub.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway),
		"expected close 1001, got %v", err)
}

func TestDetachOnClose(t *testing.T) {
	hub, _, url := newTestHub(t, 10)

	conn := dial(t, url)
	require.Equal(t, "initial", readFrame(t, conn).Type)
	require.Equal(t, 1, hub.ClientCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}
