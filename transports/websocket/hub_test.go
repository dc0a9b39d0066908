package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apitransport "github.com/tiger/voice-orchestrator/api/transport"
)

func newTestHub(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, nil)
	mux := http.NewServeMux()
	mux.Handle("/v1/media/{room}", hub)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/media/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func joinAsync(hub *Hub, room string) <-chan apitransport.Connection {
	out := make(chan apitransport.Connection, 1)
	go func() {
		conn, err := hub.Join(context.Background(), room)
		if err == nil {
			out <- conn
		}
		close(out)
	}()
	return out
}

func awaitConn(t *testing.T, ch <-chan apitransport.Connection) apitransport.Connection {
	t.Helper()
	select {
	case conn, ok := <-ch:
		require.True(t, ok, "join failed")
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("join did not complete")
		return nil
	}
}

func TestHubExchangesAudio(t *testing.T) {
	t.Parallel()

	hub, base := newTestHub(t, Config{})
	joined := joinAsync(hub, "room-1")
	caller := dial(t, base+"room-1")
	conn := awaitConn(t, joined)

	require.NoError(t, caller.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)))
	require.NoError(t, caller.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))
	select {
	case frame := <-conn.Frames():
		assert.Equal(t, []byte{1, 2, 3, 4}, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame not delivered")
	}

	require.NoError(t, conn.SendAudioFrame(context.Background(), []byte{9, 9}))
	_ = caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := caller.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{9, 9}, data)
}

func TestHubAcceptsCallerBeforeJoin(t *testing.T) {
	t.Parallel()

	hub, base := newTestHub(t, Config{})
	caller := dial(t, base+"early")
	require.NoError(t, caller.WriteMessage(websocket.BinaryMessage, []byte{7}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := hub.Join(ctx, "early")
	require.NoError(t, err)
	select {
	case frame := <-conn.Frames():
		assert.Equal(t, []byte{7}, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered frame not delivered")
	}
}

func TestClearAudioNotifiesClient(t *testing.T) {
	t.Parallel()

	hub, base := newTestHub(t, Config{})
	joined := joinAsync(hub, "room-clear")
	caller := dial(t, base+"room-clear")
	conn := awaitConn(t, joined)

	clearer, ok := conn.(apitransport.AudioClearer)
	require.True(t, ok)
	clearer.ClearAudio()

	_ = caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := caller.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.JSONEq(t, `{"type":"clear_audio"}`, string(data))
}

func TestCallerHangupSignalsDone(t *testing.T) {
	t.Parallel()

	hub, base := newTestHub(t, Config{})
	joined := joinAsync(hub, "room-hangup")
	caller := dial(t, base+"room-hangup")
	conn := awaitConn(t, joined)

	require.NoError(t, caller.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done not closed after hangup")
	}
	for range conn.Frames() {
	}
	assert.ErrorIs(t, conn.SendAudioFrame(context.Background(), []byte{1}), apitransport.ErrClosed)
}

func TestSessionCloseSendsNormalClosure(t *testing.T) {
	t.Parallel()

	hub, base := newTestHub(t, Config{})
	joined := joinAsync(hub, "room-close")
	caller := dial(t, base+"room-close")
	conn := awaitConn(t, joined)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	_ = caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := caller.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestRejectsSecondCaller(t *testing.T) {
	t.Parallel()

	_, base := newTestHub(t, Config{})
	dial(t, base+"busy")
	_, resp, err := websocket.DefaultDialer.Dial(base+"busy", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRejectsInvalidRoom(t *testing.T) {
	t.Parallel()

	_, base := newTestHub(t, Config{})
	_, resp, err := websocket.DefaultDialer.Dial(base+"-bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnclaimedCallerTimesOut(t *testing.T) {
	t.Parallel()

	_, base := newTestHub(t, Config{AcceptTimeout: 50 * time.Millisecond})
	caller := dial(t, base+"lonely")
	_ = caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := caller.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestJoinHonorsContext(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := hub.Join(ctx, "nobody")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = hub.Join(ctx2, "nobody")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a cancelled join releases the room")
}

func TestServerPings(t *testing.T) {
	t.Parallel()

	hub, base := newTestHub(t, Config{PingInterval: 20 * time.Millisecond})
	joined := joinAsync(hub, "room-ping")
	caller := dial(t, base+"room-ping")
	awaitConn(t, joined)

	pinged := make(chan struct{}, 1)
	caller.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := caller.ReadMessage(); err != nil {
				return
			}
		}
	}()
	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{PingInterval: time.Second, PongWait: time.Second}.Validate())
	assert.Error(t, Config{OutboundQueue: -1}.Validate())
	assert.Error(t, Config{SampleRateHz: 11025}.Validate())
	require.NoError(t, NewHub(Config{}, nil).Capabilities().Validate())
}
