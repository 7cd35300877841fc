package notify

import (
	"context"
	"sort"
	"sync"
)

// MemoryScheduler keeps reminders in process. The daemon exposes its
// content over HTTP so that a client can mirror it into the OS scheduler.
type MemoryScheduler struct {
	mu      sync.Mutex
	pending map[string]Notification
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{pending: make(map[string]Notification)}
}

func (s *MemoryScheduler) CancelAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]Notification)
	return nil
}

func (s *MemoryScheduler) Schedule(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[n.ID] = n
	return nil
}

// Pending returns the reminders ordered by trigger time.
func (s *MemoryScheduler) Pending(context.Context) ([]Notification, error) {
	s.mu.Lock()
	out := make([]Notification, 0, len(s.pending))
	for _, n := range s.pending {
		out = append(out, n)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggerAt.Equal(out[j].TriggerAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggerAt.Before(out[j].TriggerAt)
	})
	return out, nil
}
