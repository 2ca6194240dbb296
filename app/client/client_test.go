package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComfy_SubmitWorkflow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/prompt", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			Prompt   json.RawMessage `json:"prompt"`
			ClientID string          `json:"client_id"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.JSONEq(t, `{"1":{"class_type":"KSampler"}}`, string(req.Prompt))
		assert.NotEmpty(t, req.ClientID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prompt_id":"p-123","number":7}`))
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	id, err := c.SubmitWorkflow(context.Background(), json.RawMessage(`{"1":{"class_type":"KSampler"}}`))
	require.NoError(t, err)
	assert.Equal(t, "p-123", id)
}

func TestComfy_SubmitWorkflow_Failed(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "invalid prompt", http.StatusBadRequest)
		}))
		defer ts.Close()

		c := New(ts.URL, time.Second)
		_, err := c.SubmitWorkflow(context.Background(), json.RawMessage(`{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "400")
	})

	t.Run("no prompt id", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		c := New(ts.URL, time.Second)
		_, err := c.SubmitWorkflow(context.Background(), json.RawMessage(`{}`))
		assert.Error(t, err)
	})
}

func TestComfy_FetchQueue(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "GET", r.Method)
		require.Equal(t, "/queue", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"queue_running": [[0, "run-1", {"nodes":{}}, {}, []]],
			"queue_pending": [[1, "pen-1"], [2, "pen-2"]]
		}`))
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	q, err := c.FetchQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, q.RunningIDs())
	assert.Equal(t, []string{"pen-1", "pen-2"}, q.PendingIDs())
	assert.Equal(t, 1, q.Pending[0].Number)
}

func TestComfy_FetchQueue_Retries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"queue_running":[],"queue_pending":[]}`))
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	q, err := c.FetchQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, q.RunningIDs())
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "two failures retried")
}

func TestComfy_Interrupt(t *testing.T) {
	var called bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/interrupt", r.URL.Path)
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	require.NoError(t, c.Interrupt(context.Background()))
	assert.True(t, called)
}

func TestComfy_DeleteQueued(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/queue", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"delete":["p1","p2"]}`, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	require.NoError(t, c.DeleteQueued(context.Background(), []string{"p1", "p2"}))

	t.Run("empty list is a no-op", func(t *testing.T) {
		c := New("http://127.0.0.1:1", time.Second) // would fail if called
		assert.NoError(t, c.DeleteQueued(context.Background(), nil))
	})
}

func TestQueueEntry_UnmarshalJSON(t *testing.T) {
	tbl := []struct {
		inp      string
		entry    QueueEntry
		wasError bool
	}{
		{`[0, "p-1"]`, QueueEntry{Number: 0, PromptID: "p-1"}, false},
		{`[12, "p-2", {"blah": 1}, {}, []]`, QueueEntry{Number: 12, PromptID: "p-2"}, false},
		{`[0]`, QueueEntry{}, true},
		{`{"id": "p-1"}`, QueueEntry{}, true},
		{`[0, 42]`, QueueEntry{}, true},
	}

	for _, tt := range tbl {
		var e QueueEntry
		err := json.Unmarshal([]byte(tt.inp), &e)
		if tt.wasError {
			assert.Error(t, err, tt.inp)
			continue
		}
		assert.NoError(t, err, tt.inp)
		assert.Equal(t, tt.entry, e, tt.inp)
	}
}

func TestComfy_ClientID(t *testing.T) {
	c1, c2 := New("http://localhost", 0), New("http://localhost", 0)
	assert.NotEmpty(t, c1.ClientID())
	assert.NotEqual(t, c1.ClientID(), c2.ClientID())
	assert.Equal(t, "http://localhost", c1.String())
}
