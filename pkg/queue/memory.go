package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Source for tests and local runs.
type Memory struct {
	mu      sync.Mutex
	pending []Message
	nextID  int
}

var _ Source = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{}
}

// Push enqueues a payload.
func (m *Memory) Push(body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := strconv.Itoa(m.nextID)
	m.pending = append(m.pending, Message{ID: id, Body: body, ReceiptHandle: id})
}

func (m *Memory) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	_ = wait
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := min(max, len(m.pending))
	out := make([]Message, n)
	copy(out, m.pending[:n])
	m.pending = m.pending[n:]
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, receiptHandle string) error {
	_ = receiptHandle
	return ctx.Err()
}

func (m *Memory) Close() error { return nil }
