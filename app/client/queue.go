package client

import (
	"encoding/json"
	"fmt"
)

// Queue is the authoritative server-side queue listing
type Queue struct {
	Running []QueueEntry `json:"queue_running"`
	Pending []QueueEntry `json:"queue_pending"`
}

// RunningIDs returns prompt ids of running entries, in server order
func (q Queue) RunningIDs() []string { return entryIDs(q.Running) }

// PendingIDs returns prompt ids of pending entries, in server order
func (q Queue) PendingIDs() []string { return entryIDs(q.Pending) }

func entryIDs(entries []QueueEntry) []string {
	res := make([]string, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.PromptID)
	}
	return res
}

// QueueEntry is one queue item. On the wire it is a fixed-shape array
// [number, prompt_id, prompt, extra_data, outputs_to_execute], only the
// first two positions are of any use to the client.
type QueueEntry struct {
	Number   int
	PromptID string
}

// UnmarshalJSON decodes the array form, tolerating trailing elements
func (e *QueueEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("queue entry is not an array: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("queue entry too short, %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Number); err != nil {
		return fmt.Errorf("queue entry number: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.PromptID); err != nil {
		return fmt.Errorf("queue entry prompt id: %w", err)
	}
	return nil
}

// MarshalJSON encodes back to the array form, used by tests and fixtures
func (e QueueEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Number, e.PromptID})
}
