// Package history keeps the classifications served since the process
// started. Nothing is persisted.
package history

import (
	"context"
	"sync"
	"time"
)

// Record is one served classification.
type Record struct {
	ImageURL      string    `json:"image_url"`
	ClassIdx      int       `json:"class_idx"`
	ClassName     string    `json:"class_name,omitempty"`
	Probabilities []float64 `json:"probabilities"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is where handlers append and list records.
type Store interface {
	Append(ctx context.Context, r Record) error
	List(ctx context.Context) ([]Record, error)
}

// Memory is a goroutine-safe in-process Store. With a positive capacity it
// behaves as a ring buffer and drops the oldest records; otherwise it grows
// without bound.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	records  []Record
	// start indexes the oldest record once the ring has wrapped.
	start int
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store. capacity <= 0 means unbounded.
func NewMemory(capacity int) *Memory {
	if capacity < 0 {
		capacity = 0
	}
	return &Memory{capacity: capacity}
}

func (m *Memory) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity == 0 || len(m.records) < m.capacity {
		m.records = append(m.records, r)
		return nil
	}
	m.records[m.start] = r
	m.start = (m.start + 1) % m.capacity
	return nil
}

// List returns the records oldest first. The slice is a copy.
func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	out = append(out, m.records[m.start:]...)
	out = append(out, m.records[:m.start]...)
	return out, nil
}

// Len is the number of records currently held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
