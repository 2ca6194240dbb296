package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler collects decoded events for assertions
type recordingHandler struct {
	mu       sync.Mutex
	started  []string
	finished []string
	failed   []string
	statuses []int
	progress []string
	previews [][]byte
}

func (h *recordingHandler) OnExecutionStarted(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, id)
}

func (h *recordingHandler) OnExecutionFinished(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, id)
}

func (h *recordingHandler) OnExecutionFailed(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, id)
}

func (h *recordingHandler) OnStatus(queueRemaining int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, queueRemaining)
}

func (h *recordingHandler) OnProgress(id string, _, _ int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = append(h.progress, id)
}

func (h *recordingHandler) OnPreview(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.previews = append(h.previews, frame)
}

func (h *recordingHandler) snapshot() recordingHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return recordingHandler{
		started: append([]string{}, h.started...), finished: append([]string{}, h.finished...),
		failed: append([]string{}, h.failed...), statuses: append([]int{}, h.statuses...),
		progress: append([]string{}, h.progress...), previews: append([][]byte{}, h.previews...),
	}
}

func TestListener_Run(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotClientID string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClientID = r.URL.Query().Get("clientId")
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		msgs := []string{
			`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":2}}}}`,
			`{"type":"execution_start","data":{"prompt_id":"p1"}}`,
			`{"type":"executing","data":{"node":"3","prompt_id":"p1"}}`,
			`{"type":"progress","data":{"value":5,"max":20,"prompt_id":"p1"}}`,
			`{"type":"executed","data":{"node":"9","prompt_id":"p1"}}`,
			`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`,
			`{"type":"execution_error","data":{"prompt_id":"p2","exception_message":"OOM"}}`,
			`not json at all`,
			`{"type":"crystal_ball","data":{}}`,
		}
		for _, m := range msgs {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(m)))
		}

		// binary preview: 8 bytes header + payload
		frame := append([]byte{0, 0, 0, 1, 0, 0, 0, 2}, []byte("jpeg-bytes")...)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

		time.Sleep(300 * time.Millisecond) // let the client drain before close
	}))
	defer ts.Close()

	handler := &recordingHandler{}
	l := Listener{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		ClientID:       "test-client",
		Handler:        handler,
		ReconnectDelay: 10 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got := handler.snapshot()
		return len(got.previews) > 0 && len(got.finished) > 0 && len(got.failed) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	got := handler.snapshot()
	assert.Equal(t, "test-client", gotClientID)
	assert.Equal(t, []int{2}, got.statuses)
	assert.Equal(t, []string{"p1", "p1"}, got.started, "execution_start and executing both map to started")
	assert.Equal(t, []string{"p1"}, got.finished, "executing with null node means finished")
	assert.Equal(t, []string{"p2"}, got.failed)
	assert.Equal(t, []string{"p1"}, got.progress)
	require.Len(t, got.previews, 1)
	assert.Equal(t, "jpeg-bytes", string(got.previews[0]), "header stripped")
}

func TestListener_Reconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	conns := 0

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		msg := `{"type":"status","data":{"status":{"exec_info":{"queue_remaining":` + string(rune('0'+n)) + `}}}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		conn.Close() // drop the connection, client should come back
	}))
	defer ts.Close()

	handler := &recordingHandler{}
	l := Listener{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		Handler:        handler,
		ReconnectDelay: 10 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(handler.snapshot().statuses) >= 2
	}, 3*time.Second, 10*time.Millisecond, "got events over more than one connection")

	cancel()
	<-done
}
