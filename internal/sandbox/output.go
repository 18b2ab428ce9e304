package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const truncationMarker = "\n...[output truncated]...\n"

// boundedBuffer keeps the head of the combined output up to max bytes and
// counts what it dropped. Writes never fail so the child never sees EPIPE.
type boundedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	dropped int64
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room >= len(p) {
		b.buf.Write(p)
		return len(p), nil
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.dropped += int64(len(p) - max(room, 0))
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// maxResultBytes caps the result file read back from a run.
const maxResultBytes = 64 << 20

type resultMessage struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// readResult loads and checks the routine's structured output.
func readResult(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.New("no structured output")
	}
	if err != nil {
		return nil, fmt.Errorf("read structured output: %w", err)
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxResultBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read structured output: %w", err)
	}
	if len(raw) > maxResultBytes {
		return nil, errors.New("structured output too large")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("no structured output")
	}
	return parseResult(raw)
}

func parseResult(raw []byte) ([]map[string]any, error) {
	var msg resultMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("malformed structured output: %v", err)
	}
	if dec.More() {
		return nil, errors.New("malformed structured output: trailing data")
	}
	if msg.Success == nil {
		return nil, errors.New("malformed structured output: missing success flag")
	}
	if !*msg.Success {
		if msg.Error == "" {
			return nil, errors.New("routine reported failure")
		}
		return nil, errors.New(msg.Error)
	}
	return normalizeRecords(msg.Data)
}

// normalizeRecords turns the data payload into records: an array yields one
// record per element, an object yields one record, null yields none.
// Non-object array elements are wrapped as {"value": x}.
func normalizeRecords(data json.RawMessage) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("malformed structured output: %v", err)
	}
	switch x := v.(type) {
	case map[string]any:
		return []map[string]any{x}, nil
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, el := range x {
			if m, ok := el.(map[string]any); ok {
				out = append(out, m)
				continue
			}
			out = append(out, map[string]any{"value": el})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("malformed structured output: data must be an object or array, got %T", v)
	}
}
