package room

import (
	"context"
	"strings"
	"sync"
)

// Interest tracks which single participant a monitoring view follows.
// Switching leaves the previous room before joining the next one.
type Interest struct {
	sub *Subscriber

	mu          sync.Mutex
	current     string
	unsubscribe func()
}

func NewInterest(sub *Subscriber) *Interest {
	return &Interest{sub: sub}
}

// Set moves the interest to participantID. Setting the current participant
// again does nothing. An empty id behaves like Clear.
func (i *Interest) Set(ctx context.Context, participantID string) error {
	pid := strings.TrimSpace(participantID)
	if pid == "" {
		i.Clear()
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if pid == i.current {
		return nil
	}
	if i.unsubscribe != nil {
		i.unsubscribe()
		i.unsubscribe = nil
	}
	i.current = pid
	unsubscribe, err := i.sub.Subscribe(ctx, pid)
	i.unsubscribe = unsubscribe
	return err
}

// Clear leaves the current room, if any.
func (i *Interest) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.unsubscribe != nil {
		i.unsubscribe()
	}
	i.unsubscribe = nil
	i.current = ""
}

// Current returns the followed participant, or "".
func (i *Interest) Current() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}
