package beacon

import (
	"sync"

	"github.com/lorawan-server/poc-gateway/internal/models"
)

// History is a bounded ring of beacon records. The oldest record is
// overwritten once it is full.
type History struct {
	mu   sync.Mutex
	buf  []models.BeaconRecord
	next int
	full bool
}

// NewHistory creates a history holding at most size records
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{buf: make([]models.BeaconRecord, size)}
}

// Add appends a record
func (h *History) Add(r models.BeaconRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of records held
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Records returns a copy of the records, newest first
func (h *History) Records() []models.BeaconRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.buf)
	}
	out := make([]models.BeaconRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}
