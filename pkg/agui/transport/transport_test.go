package transport

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

func TestSSEEmitter_StreamsDataFrames(t *testing.T) {
	rec := httptest.NewRecorder()

	emitter, err := NewSSEEmitter(rec)
	require.NoError(t, err)

	require.NoError(t, emitter.Emit(wire.TextMessageContent("msg-1", "hello")))
	require.NoError(t, emitter.Emit(wire.RunFinished("run-1")))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	scanner := bufio.NewScanner(rec.Body)
	var frames []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	require.Len(t, frames, 2)

	first, err := wire.Unmarshal([]byte(frames[0]))
	require.NoError(t, err)
	assert.Equal(t, wire.EventTypeTextMessageContent, first.Type)
	chunk, err := first.TextDelta()
	require.NoError(t, err)
	assert.Equal(t, "hello", chunk)

	second, err := wire.Unmarshal([]byte(frames[1]))
	require.NoError(t, err)
	assert.Equal(t, wire.EventTypeRunFinished, second.Type)
	assert.Equal(t, "run-1", second.RunID)
}

type noFlushWriter struct {
	http.ResponseWriter
}

func TestSSEEmitter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEEmitter(noFlushWriter{httptest.NewRecorder()})
	assert.Error(t, err)
}

func TestWSEmitter_DeliversJSONMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		emitter := NewWSEmitter(conn)
		require.NoError(t, emitter.Emit(wire.RunFinished("run-ws")))
		require.NoError(t, emitter.Close())
		close(done)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var ev wire.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, wire.EventTypeRunFinished, ev.Type)
	assert.Equal(t, "run-ws", ev.RunID)

	<-done
}

func TestCollectEmitter_PreservesOrder(t *testing.T) {
	var emitter CollectEmitter
	require.NoError(t, emitter.Emit(wire.TextMessageStart("m", "assistant")))
	require.NoError(t, emitter.Emit(wire.TextMessageEnd("m", "x")))

	events := emitter.Events()
	require.Len(t, events, 2)
	assert.Equal(t, wire.EventTypeTextMessageStart, events[0].Type)
	assert.Equal(t, wire.EventTypeTextMessageEnd, events[1].Type)
}
