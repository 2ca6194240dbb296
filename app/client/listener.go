package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/gorilla/websocket"
)

//go:generate moq -out mocks/handler.go -pkg mocks -skip-ensure -fmt goimports . Handler

// Handler receives decoded lifecycle events from the websocket stream.
// Callbacks run on the listener goroutine and must not block.
type Handler interface {
	OnExecutionStarted(id string)
	OnExecutionFinished(id string)
	OnExecutionFailed(id string)
	OnStatus(queueRemaining int)
	OnProgress(id string, value, maxValue int)
	OnPreview(frame []byte)
}

// Listener maintains the websocket connection to the server and feeds
// decoded events to the handler. The stream is best-effort, reconnects
// drop whatever was sent in between; the periodic queue poll recovers.
type Listener struct {
	URL            string // ws endpoint, e.g. ws://host:8188/ws
	ClientID       string
	Handler        Handler
	ReconnectDelay time.Duration // initial delay between reconnect attempts
}

// binary preview frames carry two big-endian uint32s (event type and
// image format) ahead of the payload
const previewHeaderSize = 8

// Run connects and reads events until ctx is canceled. Connection
// failures are retried with backoff indefinitely, a lost stream never
// terminates the client.
func (l *Listener) Run(ctx context.Context) error {
	if l.ReconnectDelay <= 0 {
		l.ReconnectDelay = time.Second
	}
	rptr := repeater.New(&strategy.Backoff{Repeats: 8, Duration: l.ReconnectDelay, Factor: 2, Jitter: true})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var conn *websocket.Conn
		err := rptr.Do(ctx, func() error {
			var e error
			conn, e = l.dial(ctx)
			return e
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[WARN] can't connect to %s, %v, retrying", l.URL, err)
			continue
		}

		log.Printf("[INFO] connected to %s", l.URL)
		if err := l.read(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("[WARN] event stream interrupted, %v", err)
		}
		_ = conn.Close()
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	url := l.URL
	if l.ClientID != "" {
		url += "?clientId=" + l.ClientID
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", l.URL, err)
	}
	_ = resp.Body.Close()
	return conn, nil
}

// read pumps messages until the connection dies or ctx is canceled
func (l *Listener) read(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close() // unblocks ReadMessage
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(data) <= previewHeaderSize {
				continue
			}
			l.Handler.OnPreview(data[previewHeaderSize:])
		case websocket.TextMessage:
			l.handleMessage(data)
		}
	}
}

// wsMessage is the envelope of every text frame
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleMessage decodes a single event. Malformed payloads are logged and
// dropped, the stream is unreliable by nature and the registry absorbs
// gaps on the next reconciliation.
func (l *Listener) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[WARN] can't parse event %q, %v", string(data), err)
		return
	}

	switch msg.Type {
	case "status":
		var d struct {
			Status struct {
				ExecInfo struct {
					QueueRemaining int `json:"queue_remaining"`
				} `json:"exec_info"`
			} `json:"status"`
		}
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Printf("[WARN] can't parse status event, %v", err)
			return
		}
		l.Handler.OnStatus(d.Status.ExecInfo.QueueRemaining)

	case "execution_start":
		var d struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Printf("[WARN] can't parse execution_start event, %v", err)
			return
		}
		l.Handler.OnExecutionStarted(d.PromptID)

	case "executing":
		// node == null signals the prompt finished all nodes
		var d struct {
			Node     *string `json:"node"`
			PromptID string  `json:"prompt_id"`
		}
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Printf("[WARN] can't parse executing event, %v", err)
			return
		}
		if d.Node == nil {
			l.Handler.OnExecutionFinished(d.PromptID)
			return
		}
		l.Handler.OnExecutionStarted(d.PromptID)

	case "execution_error", "execution_interrupted":
		var d struct {
			PromptID string `json:"prompt_id"`
			Message  string `json:"exception_message"`
		}
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Printf("[WARN] can't parse %s event, %v", msg.Type, err)
			return
		}
		if d.Message != "" {
			log.Printf("[WARN] job %s failed on server: %s", d.PromptID, d.Message)
		}
		l.Handler.OnExecutionFailed(d.PromptID)

	case "progress":
		var d struct {
			Value    int    `json:"value"`
			Max      int    `json:"max"`
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Printf("[WARN] can't parse progress event, %v", err)
			return
		}
		l.Handler.OnProgress(d.PromptID, d.Value, d.Max)

	case "executed":
		// per-node outputs, completion is signaled by executing/null
		log.Printf("[DEBUG] node output event: %s", string(msg.Data))

	default:
		log.Printf("[DEBUG] ignored event type %q", msg.Type)
	}
}
