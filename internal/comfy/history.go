package comfy

import (
	"encoding/json"
	"fmt"
	"sort"
)

// HistoryEntry is the backend's record of one finished prompt.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  Status                `json:"status"`
}

// NodeOutput lists what a single output node produced.
type NodeOutput struct {
	Images []Image `json:"images"`
}

// Image identifies a file written by the backend.
type Image struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Status is the execution summary of a prompt.
type Status struct {
	StatusStr string    `json:"status_str"`
	Completed bool      `json:"completed"`
	Messages  []Message `json:"messages"`
}

// Message is one [name, data] pair from the execution log.
type Message struct {
	Name string
	Data json.RawMessage
}

// UnmarshalJSON decodes the two-element array form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) == 0 {
		return fmt.Errorf("empty status message")
	}
	if err := json.Unmarshal(pair[0], &m.Name); err != nil {
		return fmt.Errorf("status message name: %w", err)
	}
	if len(pair) > 1 {
		m.Data = pair[1]
	}
	return nil
}

// Images returns every image in the entry, ordered by output node id.
func (h *HistoryEntry) Images() []Image {
	ids := make([]string, 0, len(h.Outputs))
	for id := range h.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var images []Image
	for _, id := range ids {
		images = append(images, h.Outputs[id].Images...)
	}
	return images
}

// Err returns an *ExecutionError when the backend reports that the prompt
// failed, and nil otherwise.
func (h *HistoryEntry) Err(promptID string) error {
	if h.Status.StatusStr != "error" {
		return nil
	}
	execErr := &ExecutionError{PromptID: promptID}
	for _, m := range h.Status.Messages {
		if m.Name != "execution_error" {
			continue
		}
		var detail struct {
			NodeID           json.RawMessage `json:"node_id"`
			NodeType         string          `json:"node_type"`
			ExceptionMessage string          `json:"exception_message"`
		}
		if err := json.Unmarshal(m.Data, &detail); err == nil {
			execErr.NodeID = unquote(detail.NodeID)
			execErr.NodeType = detail.NodeType
			execErr.Message = detail.ExceptionMessage
		}
		break
	}
	return execErr
}

func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ExecutionError reports a prompt the backend accepted but failed to run.
type ExecutionError struct {
	PromptID string
	NodeID   string
	NodeType string
	Message  string
}

// Error implements the error interface for ExecutionError.
func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("prompt %s failed", e.PromptID)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" at node %s (%s)", e.NodeID, e.NodeType)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
