// Package client talks to a ComfyUI-compatible generation server. The
// HTTP side submits workflows and polls the authoritative queue listing,
// the websocket listener streams execution lifecycle events.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/google/uuid"
)

// Comfy is the HTTP client for the generation server
type Comfy struct {
	baseURL  string
	clientID string
	client   *http.Client
	repeater *repeater.Repeater
}

// New makes a client for the given server base URL, e.g. http://host:8188.
// The client id is generated per process and shared with the websocket
// listener so the server attributes streamed events to this instance.
func New(baseURL string, timeout time.Duration) *Comfy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Comfy{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		clientID: uuid.New().String(),
		client:   &http.Client{Timeout: timeout},
		repeater: repeater.NewDefault(3, 500*time.Millisecond),
	}
}

// ClientID returns the per-process client id
func (c *Comfy) ClientID() string { return c.clientID }

func (c *Comfy) String() string { return c.baseURL }

// SubmitWorkflow posts a workflow and returns the server-assigned prompt id
func (c *Comfy) SubmitWorkflow(ctx context.Context, workflow json.RawMessage) (string, error) {
	body, err := json.Marshal(struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}{Prompt: workflow, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("can't serialize workflow: %w", err)
	}

	var resp struct {
		PromptID string `json:"prompt_id"`
		Number   int    `json:"number"`
	}
	if err := c.call(ctx, http.MethodPost, "/prompt", body, &resp); err != nil {
		return "", fmt.Errorf("submit failed: %w", err)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("submit accepted but no prompt id returned")
	}
	return resp.PromptID, nil
}

// FetchQueue returns the server's full queue listing
func (c *Comfy) FetchQueue(ctx context.Context) (Queue, error) {
	var q Queue
	if err := c.call(ctx, http.MethodGet, "/queue", nil, &q); err != nil {
		return Queue{}, fmt.Errorf("queue fetch failed: %w", err)
	}
	return q, nil
}

// Interrupt asks the server to stop the currently executing job
func (c *Comfy) Interrupt(ctx context.Context) error {
	if err := c.call(ctx, http.MethodPost, "/interrupt", nil, nil); err != nil {
		return fmt.Errorf("interrupt failed: %w", err)
	}
	return nil
}

// DeleteQueued removes pending entries from the server queue
func (c *Comfy) DeleteQueued(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body, err := json.Marshal(struct {
		Delete []string `json:"delete"`
	}{Delete: ids})
	if err != nil {
		return fmt.Errorf("can't serialize delete request: %w", err)
	}
	if err := c.call(ctx, http.MethodPost, "/queue", body, nil); err != nil {
		return fmt.Errorf("queue delete failed: %w", err)
	}
	return nil
}

// call makes a request with retries and decodes the json response into res
func (c *Comfy) call(ctx context.Context, method, path string, body []byte, res any) error {
	return c.repeater.Do(ctx, func() error {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
		if err != nil {
			return fmt.Errorf("can't make request %s %s: %w", method, path, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("request %s %s failed: %w", method, path, err)
		}
		defer resp.Body.Close() //nolint:errcheck // read-only body

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("unexpected status %d on %s %s: %s", resp.StatusCode, method, path, strings.TrimSpace(string(msg)))
		}
		if res == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
			return fmt.Errorf("can't decode response of %s %s: %w", method, path, err)
		}
		return nil
	})
}
