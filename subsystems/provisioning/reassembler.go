package provisioning

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Reassembler rebuilds JSON commands from arbitrarily split writes (BLE characteristic writes are bounded by the
// link MTU). After every fragment it tries to decode a complete object from the front of the buffer; anything that
// doesn't decode yet stays buffered until maxBytes is exceeded.
type Reassembler struct {
	mu       sync.Mutex
	buf      []byte
	maxBytes int
}

func NewReassembler(maxBytes int) *Reassembler {
	return &Reassembler{maxBytes: maxBytes}
}

// Feed appends fragment and returns every complete payload now available, in order.
// ErrPayloadTooLarge is returned (alongside any payloads completed before the overflow) when the buffer is
// discarded for growing past the limit.
func (r *Reassembler) Feed(fragment []byte) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, fragment...)

	var out [][]byte
	for {
		r.buf = bytes.TrimLeft(r.buf, " \t\r\n")
		if len(r.buf) == 0 {
			r.buf = nil
			break
		}
		if r.buf[0] != '{' {
			break
		}
		dec := json.NewDecoder(bytes.NewReader(r.buf))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
		out = append(out, bytes.Clone(raw))
		r.buf = r.buf[dec.InputOffset():]
	}

	if len(r.buf) > r.maxBytes {
		r.buf = nil
		return out, ErrPayloadTooLarge
	}
	return out, nil
}

// Buffered returns the number of bytes waiting for the rest of a command.
func (r *Reassembler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Reset drops any partial command, e.g. when the client disconnects.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}
